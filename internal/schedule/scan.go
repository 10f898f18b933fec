package schedule

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pillbot/internal/eventbus"
	"pillbot/internal/plan"
	"pillbot/internal/storage"
	logx "pillbot/pkg/logx"
)

// Engine is the per-minute scan lifecycle model.
//
// Each tick it loads every owner with an active plan, expands the plan's due
// minutes, matches the current minute, and fires at most one reminder per
// owner per tick. It keeps no per-owner state of its own; idempotency lives
// entirely in the completion log.
type Engine struct {
	plans storage.PlanStore
	disp  *dispatcher
	lg    logx.Logger
	loc   *time.Location

	mu     sync.Mutex
	c      *cron.Cron
	runCtx context.Context

	// tickMu makes ticks non-overlapping: a tick that outlives its minute is
	// not queued behind the next one, the next one is skipped instead.
	tickMu sync.Mutex

	// now is swapped in tests.
	now func() time.Time
}

func NewEngine(plans storage.PlanStore, compl storage.CompletionLog, notif Notifier, lg logx.Logger, bus eventbus.Bus, timezone string) *Engine {
	if lg.IsZero() {
		lg = logx.Nop()
	}
	return &Engine{
		plans: plans,
		disp:  &dispatcher{log: compl, notif: notif, bus: bus, lg: lg},
		lg:    lg,
		loc:   loadLocation(timezone, lg),
		now:   time.Now,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c != nil {
		return nil
	}
	e.runCtx = ctx
	e.c = cron.New(cron.WithLocation(e.loc))
	// Once per minute, at second 0.
	if _, err := e.c.AddFunc("* * * * *", func() { e.OnTick(e.runCtx) }); err != nil {
		e.c = nil
		return err
	}
	e.c.Start()
	e.lg.Info("scan engine started", logx.String("tz", e.loc.String()))
	return nil
}

func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	c := e.c
	e.c = nil
	e.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	e.lg.Info("scan engine stopped")
}

// SetSchedule is a no-op: the scan reads the plan store fresh every minute,
// so edits are visible on the next tick without re-registration.
func (e *Engine) SetSchedule(owner string, p plan.Plan) error { return nil }

// ClearSchedule is a no-op for the same reason.
func (e *Engine) ClearSchedule(owner string) {}

// OnTick runs one scan pass. Exported so an external driver (or a test) can
// trigger it directly; the internal cron entry calls it once per minute.
func (e *Engine) OnTick(ctx context.Context) {
	if !e.tickMu.TryLock() {
		e.lg.Warn("previous tick still running; skipping this minute")
		return
	}
	defer e.tickMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	// Wall clock in the configured zone, so both lifecycle models read the
	// same HH:mm off a stage.
	now := e.now().In(e.loc)
	minute := now.Hour()*60 + now.Minute()

	owners, err := e.plans.ListActiveOwners(ctx)
	if err != nil {
		e.lg.Warn("listing active owners failed; skipping tick", logx.Err(err))
		return
	}

	for _, owner := range owners {
		if err := e.scanOwner(ctx, owner, minute); err != nil {
			// Per-owner fault isolation: one owner's store or notifier failure
			// must not abort the scan of the remaining owners.
			e.lg.Warn("owner scan failed",
				logx.String("owner", owner), logx.Int("minute", minute), logx.Err(err))
		}
	}
}

func (e *Engine) scanOwner(ctx context.Context, owner string, minute int) error {
	p, err := e.plans.GetActivePlan(ctx, owner)
	if err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	due := EvaluateDue(p, minute)
	if len(due) == 0 {
		return nil
	}
	// First match in generation order wins; the completion log suppresses the
	// rest for the day anyway.
	_, err = e.disp.fire(ctx, owner, due[0])
	return err
}

func loadLocation(tz string, lg logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		lg.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
