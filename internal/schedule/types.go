package schedule

import (
	"context"

	"pillbot/internal/plan"
)

// Mode selects the lifecycle model.
type Mode string

const (
	// ModeScan runs one pass per minute across all owners.
	ModeScan Mode = "scan"
	// ModeTimers keeps one daily cron entry per (owner, stage).
	ModeTimers Mode = "timers"
)

// Config controls the schedule driver.
type Config struct {
	Mode     Mode
	Timezone string // IANA TZ for the cron clock; empty means server-local
}

// Notifier delivers a reminder to the user. Implemented by the notifier
// pipeline; fakes in tests.
type Notifier interface {
	Dispatch(ctx context.Context, owner, stageName string) error
}

// Driver is the single strategy surface both lifecycle models implement.
//
// SetSchedule and ClearSchedule are meaningful for the timer model; the scan
// model re-reads the store every tick, so for it they are no-ops.
type Driver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	SetSchedule(owner string, p plan.Plan) error
	ClearSchedule(owner string)
}
