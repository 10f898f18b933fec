package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pillbot/internal/plan"
	logx "pillbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const dayFormat = "2006-01-02"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// now is swapped in tests to pin "today".
	now func() time.Time
}

// Open initializes the SQLite store at cfg.Path, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) today() string { return s.now().Format(dayFormat) }

// ---- PlanStore ----

func (s *sqliteStore) GetActivePlan(ctx context.Context, owner string) (plan.Plan, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT stages FROM medication_plans
		 WHERE owner = ? AND active = 1
		 ORDER BY id DESC LIMIT 1`, owner).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		// Malformed stored data degrades to "nothing due" instead of failing
		// the whole scan.
		s.log.Warn("malformed stored plan; treating as no active plan",
			logx.String("owner", owner), logx.Err(err))
		return nil, nil
	}
	return p, nil
}

func (s *sqliteStore) ListActiveOwners(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT owner FROM medication_plans WHERE active = 1 ORDER BY owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (s *sqliteStore) SavePlan(ctx context.Context, owner string, p plan.Plan) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if p == nil {
		p = plan.Plan{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Replace-not-mutate: retire the current version, insert the new one.
	if _, err := tx.ExecContext(ctx,
		`UPDATE medication_plans SET active = 0 WHERE owner = ? AND active = 1`, owner); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO medication_plans(owner, stages, active) VALUES(?, ?, 1)`,
		owner, string(raw)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) HasPlan(ctx context.Context, owner string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM medication_plans WHERE owner = ?`, owner).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ---- CompletionLog ----

func (s *sqliteStore) IsCompletedToday(ctx context.Context, owner string, stageID int) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM medication_records
		 WHERE owner = ? AND stage_id = ? AND day = ?`,
		owner, stageID, s.today()).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) RecordPending(ctx context.Context, owner string, stageID int) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	// Insert-if-absent: concurrent timer callbacks for the same stage must not
	// produce two rows, and an existing confirmation must not be downgraded.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO medication_records(day, owner, stage_id, status)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(owner, stage_id, day) DO NOTHING`,
		s.today(), owner, stageID, string(StatusPending))
	return err
}

func (s *sqliteStore) RecordConfirmed(ctx context.Context, owner string, stageID int) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	takenAt := s.now().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO medication_records(day, owner, stage_id, status, taken_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(owner, stage_id, day)
		 DO UPDATE SET status = excluded.status, taken_at = excluded.taken_at`,
		s.today(), owner, stageID, string(StatusConfirmed), takenAt)
	return err
}

func (s *sqliteStore) CompletedStagesToday(ctx context.Context, owner string) ([]int, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage_id FROM medication_records
		 WHERE owner = ? AND day = ? ORDER BY stage_id`,
		owner, s.today())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) TodayRecords(ctx context.Context, owner string) ([]CompletionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, owner, stage_id, status, COALESCE(taken_at, '')
		 FROM medication_records
		 WHERE owner = ? AND day = ? ORDER BY stage_id`,
		owner, s.today())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CompletionRecord
	for rows.Next() {
		var r CompletionRecord
		var status, takenAt string
		if err := rows.Scan(&r.Day, &r.Owner, &r.StageID, &status, &takenAt); err != nil {
			return nil, err
		}
		r.Status = RecordStatus(status)
		if takenAt != "" {
			if t, err := time.Parse(time.RFC3339, takenAt); err == nil {
				r.TakenAt = t
			}
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
