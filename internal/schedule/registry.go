package schedule

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"pillbot/internal/eventbus"
	"pillbot/internal/plan"
	"pillbot/internal/storage"
	logx "pillbot/pkg/logx"
)

// Registry is the per-stage timer lifecycle model: one recurring daily cron
// entry per (owner, stage), rebuilt whenever the owner's plan changes.
//
// It is a constructed instance owned by the app, with an explicit Start/Stop
// lifecycle; nothing here is a process-wide singleton.
type Registry struct {
	plans storage.PlanStore
	disp  *dispatcher
	lg    logx.Logger
	tz    string

	mu      sync.Mutex
	c       *cron.Cron
	runCtx  context.Context
	entries map[string][]cron.EntryID
}

func NewRegistry(plans storage.PlanStore, compl storage.CompletionLog, notif Notifier, lg logx.Logger, bus eventbus.Bus, timezone string) *Registry {
	if lg.IsZero() {
		lg = logx.Nop()
	}
	return &Registry{
		plans:   plans,
		disp:    &dispatcher{log: compl, notif: notif, bus: bus, lg: lg},
		lg:      lg,
		tz:      timezone,
		entries: map[string][]cron.EntryID{},
	}
}

func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	loc := loadLocation(r.tz, r.lg)
	r.runCtx = ctx
	r.c = cron.New(cron.WithLocation(loc))
	r.c.Start()
	r.lg.Info("timer registry started", logx.String("tz", loc.String()))
	return nil
}

// Stop cancels every timer for every owner. No callback fires after Stop
// begins; cron.Stop waits for in-flight callbacks to finish.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.entries = map[string][]cron.EntryID{}
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	r.lg.Info("timer registry stopped")
}

// SetSchedule replaces every timer for the owner with one daily entry per
// stage. An empty plan just cancels; repeated calls never leak entries.
func (r *Registry) SetSchedule(owner string, p plan.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return fmt.Errorf("timer registry not started")
	}

	r.clearLocked(owner)
	if len(p) == 0 {
		r.lg.Info("no stages; schedule cleared", logx.String("owner", owner))
		return nil
	}

	ids := make([]cron.EntryID, 0, len(p))
	for _, st := range p {
		m, err := st.MinuteOfDay()
		if err != nil {
			// Skip the one bad stage, keep the rest.
			r.lg.Warn("stage has invalid time; skipping",
				logx.String("owner", owner), logx.String("stage", st.Name), logx.Err(err))
			continue
		}
		spec := fmt.Sprintf("%d %d * * *", m%60, m/60)
		name := st.Name
		id, err := r.c.AddFunc(spec, func() { r.fireStage(owner, name) })
		if err != nil {
			r.lg.Warn("registering timer failed",
				logx.String("owner", owner), logx.String("stage", name), logx.Err(err))
			continue
		}
		ids = append(ids, id)
		r.lg.Debug("timer registered",
			logx.String("owner", owner), logx.String("stage", name), logx.String("spec", spec))
	}
	r.entries[owner] = ids
	r.lg.Info("schedule set", logx.String("owner", owner), logx.Int("timers", len(ids)))
	return nil
}

// ClearSchedule cancels all timers for the owner. Safe no-op when the owner
// has none.
func (r *Registry) ClearSchedule(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked(owner)
}

func (r *Registry) clearLocked(owner string) {
	ids, ok := r.entries[owner]
	if !ok {
		return
	}
	if r.c != nil {
		for _, id := range ids {
			r.c.Remove(id)
		}
	}
	delete(r.entries, owner)
	r.lg.Debug("timers cleared", logx.String("owner", owner), logx.Int("count", len(ids)))
}

// EntryCount reports the number of active timers for the owner.
func (r *Registry) EntryCount(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[owner])
}

// fireStage is each timer's callback. Timers for different owners may fire
// concurrently; idempotency is carried by the completion log's
// insert-if-absent write, not by any cross-callback lock.
func (r *Registry) fireStage(owner, stageName string) {
	r.mu.Lock()
	ctx := r.runCtx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	// Re-validate against the CURRENT plan: the plan may have changed since
	// this timer was registered, and stage ids are not stable across
	// versions. A vanished stage is an expected race, not an error.
	p, err := r.plans.GetActivePlan(ctx, owner)
	if err != nil {
		r.lg.Warn("loading plan for timer fire failed",
			logx.String("owner", owner), logx.String("stage", stageName), logx.Err(err))
		return
	}
	st, ok := p.FindByName(stageName)
	if !ok {
		r.lg.Debug("stage no longer in plan; timer fire aborted",
			logx.String("owner", owner), logx.String("stage", stageName))
		return
	}

	if _, err := r.disp.fire(ctx, owner, st); err != nil {
		r.lg.Warn("timer fire failed",
			logx.String("owner", owner), logx.String("stage", stageName), logx.Err(err))
	}
}
