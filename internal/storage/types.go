package storage

import (
	"context"
	"errors"
	"time"

	"pillbot/internal/plan"
)

var ErrClosed = errors.New("storage closed")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// RecordStatus is the lifecycle state of a completion record.
type RecordStatus string

const (
	// StatusPending marks "reminder dispatched, not yet confirmed".
	StatusPending RecordStatus = "pending"
	// StatusConfirmed marks a real user confirmation.
	StatusConfirmed RecordStatus = "confirmed"
)

// CompletionRecord is one per-stage, per-day entry.
type CompletionRecord struct {
	Day     string // YYYY-MM-DD, server-local
	Owner   string
	StageID int
	Status  RecordStatus
	TakenAt time.Time // zero unless confirmed
}

// PlanStore gives the single currently-active plan per owner.
type PlanStore interface {
	// GetActivePlan returns (nil, nil) when the owner has no active plan.
	// Malformed stored plan data degrades to "no active plan", never an error.
	GetActivePlan(ctx context.Context, owner string) (plan.Plan, error)
	ListActiveOwners(ctx context.Context) ([]string, error)
	// SavePlan writes a new active plan version, deactivating the previous one.
	SavePlan(ctx context.Context, owner string, p plan.Plan) error
	HasPlan(ctx context.Context, owner string) (bool, error)
}

// CompletionLog is the append-only record boundary consumed by the core.
//
// Errors are transient: the caller abandons the current owner's tick and the
// next natural trigger retries.
type CompletionLog interface {
	// IsCompletedToday reports whether ANY record (pending or confirmed)
	// exists for (owner, stageID, today).
	IsCompletedToday(ctx context.Context, owner string, stageID int) (bool, error)
	// RecordPending is idempotent per (owner, stageID, day): a second call
	// the same day must not create a second row.
	RecordPending(ctx context.Context, owner string, stageID int) error
	RecordConfirmed(ctx context.Context, owner string, stageID int) error
	CompletedStagesToday(ctx context.Context, owner string) ([]int, error)
	TodayRecords(ctx context.Context, owner string) ([]CompletionRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	PlanStore
	CompletionLog
	Close() error
}
