package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	schedules "powerverter-monitor/internal/schedules/domain"
)

const selectColumns = `id, device_id, system_id, action, due_at, status, created_by, created_at, updated_at, executed_at, error`

// ScheduleRepository is a Postgres implementation for scheduled controls.
type ScheduleRepository struct {
	db *sql.DB
}

// NewScheduleRepository constructs a repository.
func NewScheduleRepository(db *sql.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Replace cancels the pending schedule of the device and inserts s.
func (r *ScheduleRepository) Replace(ctx context.Context, s *schedules.Schedule) error {
	if r == nil || r.db == nil {
		return errors.New("schedule repo: nil db")
	}
	if s == nil || s.ID == "" || s.DeviceID == "" {
		return errors.New("schedule repo: invalid schedule")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schedule repo: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
UPDATE scheduled_controls
SET status = $1, updated_at = $2
WHERE device_id = $3 AND status = $4`,
		schedules.StatusCancelled, s.CreatedAt, s.DeviceID, schedules.StatusPending); err != nil {
		return fmt.Errorf("schedule repo: cancel previous: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO scheduled_controls (
	id, device_id, system_id, action, due_at, status, created_by, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)`, s.ID, s.DeviceID, s.SystemID, s.Action, s.DueAt.UTC(), s.Status, s.CreatedBy, s.CreatedAt.UTC(), s.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("schedule repo: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schedule repo: commit: %w", err)
	}
	return nil
}

// Cancel marks the pending schedule of a device cancelled.
func (r *ScheduleRepository) Cancel(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("schedule repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_controls
SET status = $1, updated_at = $2
WHERE device_id = $3 AND status = $4`,
		schedules.StatusCancelled, at.UTC(), deviceID, schedules.StatusPending)
	if err != nil {
		return false, fmt.Errorf("schedule repo: cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Active returns the pending schedule of a device.
func (r *ScheduleRepository) Active(ctx context.Context, deviceID string) (*schedules.Schedule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("schedule repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+selectColumns+`
FROM scheduled_controls
WHERE device_id = $1 AND status = $2
LIMIT 1`, deviceID, schedules.StatusPending)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schedules.ErrNotFound
	}
	return s, err
}

// ListDue lists pending schedules due at or before now, oldest first.
func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]schedules.Schedule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("schedule repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+selectColumns+`
FROM scheduled_controls
WHERE status = $1 AND due_at <= $2
ORDER BY due_at ASC
LIMIT $3`, schedules.StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("schedule repo: list due: %w", err)
	}
	defer rows.Close()

	var result []schedules.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

// MarkExecuted marks a pending schedule executed.
func (r *ScheduleRepository) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("schedule repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE scheduled_controls
SET status = $1, executed_at = $2, updated_at = $2
WHERE id = $3 AND status = $4`, schedules.StatusExecuted, at.UTC(), id, schedules.StatusPending)
	return err
}

// MarkFailed marks a pending schedule failed with a reason.
func (r *ScheduleRepository) MarkFailed(ctx context.Context, id string, at time.Time, reason string) error {
	if r == nil || r.db == nil {
		return errors.New("schedule repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE scheduled_controls
SET status = $1, error = $2, updated_at = $3
WHERE id = $4 AND status = $5`, schedules.StatusFailed, reason, at.UTC(), id, schedules.StatusPending)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*schedules.Schedule, error) {
	var (
		s          schedules.Schedule
		executedAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.DeviceID, &s.SystemID, &s.Action, &s.DueAt, &s.Status, &s.CreatedBy,
		&s.CreatedAt, &s.UpdatedAt, &executedAt, &s.Error); err != nil {
		return nil, err
	}
	if executedAt.Valid {
		t := executedAt.Time.UTC()
		s.ExecutedAt = &t
	}
	s.DueAt = s.DueAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}
