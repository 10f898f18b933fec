package schedule

import (
	"context"
	"time"

	"pillbot/internal/eventbus"
	"pillbot/internal/plan"
	"pillbot/internal/storage"
	logx "pillbot/pkg/logx"
)

// DispatchEvent is published on the bus after a reminder is handed to the
// notifier.
type DispatchEvent struct {
	Owner     string    `json:"owner"`
	StageID   int       `json:"stage_id"`
	StageName string    `json:"stage_name"`
	At        time.Time `json:"at"`
}

// dispatcher performs the shared check-record-notify sequence for one
// (owner, stage). Both lifecycle models funnel through it, which is what
// keeps their external behavior identical.
type dispatcher struct {
	log   storage.CompletionLog
	notif Notifier
	bus   eventbus.Bus
	lg    logx.Logger
}

// fire dispatches at most one reminder for the stage today. It reports
// whether a reminder was actually dispatched.
//
// The pending record is written BEFORE the notifier call: a notifier failure
// after the record exists means the user misses this reminder until tomorrow,
// which is the at-most-one policy working as intended (never a duplicate).
func (d *dispatcher) fire(ctx context.Context, owner string, st plan.Stage) (bool, error) {
	done, err := d.log.IsCompletedToday(ctx, owner, st.ID)
	if err != nil {
		return false, err
	}
	if done {
		d.lg.Debug("stage already recorded today; skipping",
			logx.String("owner", owner), logx.String("stage", st.Name))
		return false, nil
	}

	// Insert-if-absent guard: re-entrant ticks and concurrent timer callbacks
	// collapse into a single pending row.
	if err := d.log.RecordPending(ctx, owner, st.ID); err != nil {
		return false, err
	}

	if err := d.notif.Dispatch(ctx, owner, st.Name); err != nil {
		return false, err
	}

	if d.bus != nil {
		now := time.Now()
		d.bus.Publish(eventbus.Event{Type: "reminder.dispatched", Time: now, Data: DispatchEvent{
			Owner: owner, StageID: st.ID, StageName: st.Name, At: now,
		}})
	}
	d.lg.Info("reminder dispatched",
		logx.String("owner", owner), logx.String("stage", st.Name))
	return true, nil
}
