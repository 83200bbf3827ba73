package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	reconcile "powerverter-monitor/internal/reconcile/domain"
)

// RunRepository persists reconciliation runs and their outcomes.
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository constructs a repository.
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// CreateRun inserts a running run.
func (r *RunRepository) CreateRun(ctx context.Context, run *reconcile.Run) error {
	if r == nil || r.db == nil {
		return errors.New("reconcile repo: nil db")
	}
	if run == nil || run.ID == "" {
		return errors.New("reconcile repo: empty run")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO reconcile_runs (id, trigger, status, started_at)
VALUES ($1, $2, $3, $4)`,
		run.ID, run.Trigger, run.Status, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("reconcile repo: create run: %w", err)
	}
	return nil
}

// FinishRun stores the final status, tallies and outcomes of a run.
func (r *RunRepository) FinishRun(ctx context.Context, run *reconcile.Run) error {
	if r == nil || r.db == nil {
		return errors.New("reconcile repo: nil db")
	}
	if run == nil || run.ID == "" {
		return errors.New("reconcile repo: empty run")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reconcile repo: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
UPDATE reconcile_runs
SET status = $2, finished_at = $3, error = $4, updated = $5, unchanged = $6, skipped = $7, errors = $8
WHERE id = $1`,
		run.ID, run.Status, nullTime(run.FinishedAt), run.Error,
		run.Updated, run.Unchanged, run.Skipped, run.Errors)
	if err != nil {
		return fmt.Errorf("reconcile repo: finish run: %w", err)
	}
	for i, o := range run.Outcomes {
		_, err = tx.ExecContext(ctx, `
INSERT INTO reconcile_outcomes (run_id, seq, device_id, system_id, status, source, from_ts, to_ts, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			run.ID, i, o.DeviceID, o.SystemID, o.Status, o.Source, nullTime(o.From), nullTime(o.To), o.Reason)
		if err != nil {
			return fmt.Errorf("reconcile repo: insert outcome: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reconcile repo: commit: %w", err)
	}
	return nil
}

// GetRun loads a run with its outcomes.
func (r *RunRepository) GetRun(ctx context.Context, id string) (*reconcile.Run, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reconcile repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, trigger, status, started_at, finished_at, error, updated, unchanged, skipped, errors
FROM reconcile_runs
WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reconcile.ErrRunNotFound
		}
		return nil, fmt.Errorf("reconcile repo: get run: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT device_id, system_id, status, source, from_ts, to_ts, reason
FROM reconcile_outcomes
WHERE run_id = $1
ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("reconcile repo: list outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			o        reconcile.Outcome
			from, to sql.NullTime
		)
		if err := rows.Scan(&o.DeviceID, &o.SystemID, &o.Status, &o.Source, &from, &to, &o.Reason); err != nil {
			return nil, fmt.Errorf("reconcile repo: scan outcome: %w", err)
		}
		o.From = timePtr(from)
		o.To = timePtr(to)
		run.Outcomes = append(run.Outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile repo: list outcomes: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs without outcomes.
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]reconcile.Run, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reconcile repo: nil db")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, trigger, status, started_at, finished_at, error, updated, unchanged, skipped, errors
FROM reconcile_runs
ORDER BY started_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("reconcile repo: list runs: %w", err)
	}
	defer rows.Close()

	var runs []reconcile.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("reconcile repo: scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile repo: list runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*reconcile.Run, error) {
	var (
		run      reconcile.Run
		finished sql.NullTime
	)
	if err := row.Scan(
		&run.ID,
		&run.Trigger,
		&run.Status,
		&run.StartedAt,
		&finished,
		&run.Error,
		&run.Updated,
		&run.Unchanged,
		&run.Skipped,
		&run.Errors,
	); err != nil {
		return nil, err
	}
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = timePtr(finished)
	return &run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	at := t.Time.UTC()
	return &at
}
