// Package medication implements the user-facing flows around the scheduling
// core: confirming doses, editing the plan, and reporting today's status.
// Every plan edit writes a new plan version and refreshes the schedule driver.
package medication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pillbot/internal/eventbus"
	"pillbot/internal/plan"
	"pillbot/internal/schedule"
	"pillbot/internal/storage"
	logx "pillbot/pkg/logx"
)

var ErrUnknownStage = errors.New("unknown stage")

type Service struct {
	store  storage.Store
	driver schedule.Driver
	bus    eventbus.Bus
	log    logx.Logger
}

func New(store storage.Store, driver schedule.Driver, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, driver: driver, bus: bus, log: log}
}

// EnsureOwner creates an empty active plan for a first-time user so later
// edits always have a version to build on.
func (s *Service) EnsureOwner(ctx context.Context, owner string) error {
	has, err := s.store.HasPlan(ctx, owner)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if err := s.store.SavePlan(ctx, owner, plan.Plan{}); err != nil {
		return err
	}
	s.log.Info("new owner bootstrapped", logx.String("owner", owner))
	return nil
}

func (s *Service) ActivePlan(ctx context.Context, owner string) (plan.Plan, error) {
	return s.store.GetActivePlan(ctx, owner)
}

// AddStage appends a stage as a new plan version and refreshes timers.
func (s *Service) AddStage(ctx context.Context, owner, name, hhmm string, repeatInterval int) (plan.Plan, error) {
	cur, err := s.store.GetActivePlan(ctx, owner)
	if err != nil {
		return nil, err
	}
	next, err := cur.WithStage(name, hhmm, repeatInterval)
	if err != nil {
		return nil, err
	}
	if err := s.savePlanAndReschedule(ctx, owner, next); err != nil {
		return nil, err
	}
	return next, nil
}

// RemoveStage drops a stage by name as a new plan version.
func (s *Service) RemoveStage(ctx context.Context, owner, name string) (plan.Plan, error) {
	cur, err := s.store.GetActivePlan(ctx, owner)
	if err != nil {
		return nil, err
	}
	next, err := cur.WithoutStage(name)
	if err != nil {
		return nil, err
	}
	if err := s.savePlanAndReschedule(ctx, owner, next); err != nil {
		return nil, err
	}
	return next, nil
}

// ClearPlan replaces the active plan with an empty version and cancels the
// owner's timers.
func (s *Service) ClearPlan(ctx context.Context, owner string) error {
	if err := s.store.SavePlan(ctx, owner, plan.Plan{}); err != nil {
		return err
	}
	s.driver.ClearSchedule(owner)
	s.publishPlanUpdated(owner, 0)
	return nil
}

func (s *Service) savePlanAndReschedule(ctx context.Context, owner string, p plan.Plan) error {
	if err := s.store.SavePlan(ctx, owner, p); err != nil {
		return err
	}
	if err := s.driver.SetSchedule(owner, p); err != nil {
		// Plan is saved; the schedule refresh failing means timers lag until
		// the next edit (scan mode is unaffected).
		s.log.Warn("schedule refresh failed", logx.String("owner", owner), logx.Err(err))
	}
	s.publishPlanUpdated(owner, len(p))
	return nil
}

func (s *Service) publishPlanUpdated(owner string, stages int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: "plan.updated", Data: map[string]any{
		"owner": owner, "stages": stages,
	}})
}

// ConfirmResult reports the outcome of a confirmation attempt.
type ConfirmResult struct {
	Stage     plan.Stage
	Duplicate bool // already recorded (pending or confirmed) today
}

// Confirm records the owner's dose for the named stage. Matching is by stage
// name, the identity that survives plan edits. A stage with a completion
// record today (even just a dispatched reminder upgraded here) is confirmed
// in place; a second explicit confirmation is reported as a duplicate.
func (s *Service) Confirm(ctx context.Context, owner, stageName string) (ConfirmResult, error) {
	p, err := s.store.GetActivePlan(ctx, owner)
	if err != nil {
		return ConfirmResult{}, err
	}
	st, ok := p.FindByName(stageName)
	if !ok {
		return ConfirmResult{}, fmt.Errorf("%w: %q", ErrUnknownStage, stageName)
	}

	recs, err := s.store.TodayRecords(ctx, owner)
	if err != nil {
		return ConfirmResult{}, err
	}
	for _, r := range recs {
		if r.StageID == st.ID && r.Status == storage.StatusConfirmed {
			return ConfirmResult{Stage: st, Duplicate: true}, nil
		}
	}

	if err := s.store.RecordConfirmed(ctx, owner, st.ID); err != nil {
		return ConfirmResult{}, err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "medication.confirmed", Time: time.Now(), Data: map[string]any{
			"owner": owner, "stage": st.Name,
		}})
	}
	s.log.Info("dose confirmed", logx.String("owner", owner), logx.String("stage", st.Name))
	return ConfirmResult{Stage: st}, nil
}

// StageStatus is one line of the /today report.
type StageStatus struct {
	Stage  plan.Stage
	Status storage.RecordStatus // "" when nothing happened yet today
}

// TodayStatus reports, per stage of the active plan, whether a reminder was
// dispatched or the dose confirmed today.
func (s *Service) TodayStatus(ctx context.Context, owner string) ([]StageStatus, error) {
	p, err := s.store.GetActivePlan(ctx, owner)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.TodayRecords(ctx, owner)
	if err != nil {
		return nil, err
	}
	byStage := make(map[int]storage.RecordStatus, len(recs))
	for _, r := range recs {
		byStage[r.StageID] = r.Status
	}
	out := make([]StageStatus, 0, len(p))
	for _, st := range p {
		out = append(out, StageStatus{Stage: st, Status: byStage[st.ID]})
	}
	return out, nil
}
