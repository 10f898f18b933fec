package medication

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"pillbot/internal/plan"
	"pillbot/internal/storage"
	logx "pillbot/pkg/logx"
)

// recordingDriver captures schedule refreshes from plan edits.
type recordingDriver struct {
	mu      sync.Mutex
	sets    map[string]int // owner -> stage count of last SetSchedule
	cleared []string
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{sets: map[string]int{}}
}

func (d *recordingDriver) Start(ctx context.Context) error { return nil }
func (d *recordingDriver) Stop(ctx context.Context)        {}

func (d *recordingDriver) SetSchedule(owner string, p plan.Plan) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sets[owner] = len(p)
	return nil
}

func (d *recordingDriver) ClearSchedule(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = append(d.cleared, owner)
}

func newTestService(t *testing.T) (*Service, *recordingDriver) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	drv := newRecordingDriver()
	return New(st, drv, logx.Nop(), nil), drv
}

func TestEnsureOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.EnsureOwner(ctx, "100"); err != nil {
		t.Fatalf("EnsureOwner: %v", err)
	}
	p, err := svc.ActivePlan(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 0 {
		t.Fatalf("expected empty bootstrap plan, got %+v", p)
	}

	// A second call must not reset an existing plan.
	if _, err := svc.AddStage(ctx, "100", "morning", "08:00", 0); err != nil {
		t.Fatal(err)
	}
	if err := svc.EnsureOwner(ctx, "100"); err != nil {
		t.Fatal(err)
	}
	p, err = svc.ActivePlan(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 1 {
		t.Fatalf("EnsureOwner reset an existing plan: %+v", p)
	}
}

func TestAddStageRefreshesSchedule(t *testing.T) {
	svc, drv := newTestService(t)
	ctx := context.Background()

	p, err := svc.AddStage(ctx, "100", "morning", "08:00", 0)
	if err != nil {
		t.Fatalf("AddStage: %v", err)
	}
	if len(p) != 1 || p[0].ID != 1 {
		t.Fatalf("unexpected plan: %+v", p)
	}
	drv.mu.Lock()
	n := drv.sets["100"]
	drv.mu.Unlock()
	if n != 1 {
		t.Fatalf("driver saw %d stages, want 1", n)
	}

	if _, err := svc.AddStage(ctx, "100", "morning", "09:00", 0); !errors.Is(err, plan.ErrDuplicateName) {
		t.Fatalf("duplicate add: got %v, want ErrDuplicateName", err)
	}
}

func TestRemoveStage(t *testing.T) {
	svc, drv := newTestService(t)
	ctx := context.Background()

	if _, err := svc.AddStage(ctx, "100", "morning", "08:00", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddStage(ctx, "100", "evening", "20:00", 30); err != nil {
		t.Fatal(err)
	}
	p, err := svc.RemoveStage(ctx, "100", "Morning")
	if err != nil {
		t.Fatalf("RemoveStage: %v", err)
	}
	if len(p) != 1 || p[0].Name != "evening" {
		t.Fatalf("unexpected plan: %+v", p)
	}
	drv.mu.Lock()
	n := drv.sets["100"]
	drv.mu.Unlock()
	if n != 1 {
		t.Fatalf("driver saw %d stages after removal, want 1", n)
	}

	if _, err := svc.RemoveStage(ctx, "100", "lunch"); !errors.Is(err, plan.ErrStageNotFound) {
		t.Fatalf("missing remove: got %v, want ErrStageNotFound", err)
	}
}

func TestClearPlan(t *testing.T) {
	svc, drv := newTestService(t)
	ctx := context.Background()

	if _, err := svc.AddStage(ctx, "100", "morning", "08:00", 0); err != nil {
		t.Fatal(err)
	}
	if err := svc.ClearPlan(ctx, "100"); err != nil {
		t.Fatalf("ClearPlan: %v", err)
	}
	p, err := svc.ActivePlan(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 0 {
		t.Fatalf("plan not cleared: %+v", p)
	}
	drv.mu.Lock()
	cleared := len(drv.cleared)
	drv.mu.Unlock()
	if cleared != 1 {
		t.Fatalf("ClearSchedule called %d times, want 1", cleared)
	}
}

func TestConfirm(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.AddStage(ctx, "100", "morning", "08:00", 0); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Confirm(ctx, "100", "MORNING")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Duplicate || res.Stage.Name != "morning" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = svc.Confirm(ctx, "100", "morning")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Fatal("second confirmation not reported as duplicate")
	}

	if _, err := svc.Confirm(ctx, "100", "lunch"); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("unknown stage: got %v, want ErrUnknownStage", err)
	}
}

func TestConfirmUpgradesDispatchedReminder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.AddStage(ctx, "100", "morning", "08:00", 0); err != nil {
		t.Fatal(err)
	}
	// Simulate the reminder dispatch having written its pending record.
	if err := svc.store.RecordPending(ctx, "100", 1); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Confirm(ctx, "100", "morning")
	if err != nil {
		t.Fatal(err)
	}
	// Upgrading a pending reminder is the normal flow, not a duplicate.
	if res.Duplicate {
		t.Fatal("pending upgrade reported as duplicate")
	}

	statuses, err := svc.TodayStatus(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].Status != storage.StatusConfirmed {
		t.Fatalf("unexpected status: %+v", statuses)
	}
}

func TestTodayStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.AddStage(ctx, "100", "morning", "08:00", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddStage(ctx, "100", "noon", "12:00", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddStage(ctx, "100", "evening", "20:00", 0); err != nil {
		t.Fatal(err)
	}
	if err := svc.store.RecordPending(ctx, "100", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Confirm(ctx, "100", "morning"); err != nil {
		t.Fatal(err)
	}

	statuses, err := svc.TodayStatus(ctx, "100")
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	want := map[string]storage.RecordStatus{
		"morning": storage.StatusConfirmed,
		"noon":    storage.StatusPending,
		"evening": "",
	}
	for _, st := range statuses {
		if st.Status != want[st.Stage.Name] {
			t.Errorf("%s: status %q, want %q", st.Stage.Name, st.Status, want[st.Stage.Name])
		}
	}
}
