package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultDeviceDataTable = "device_data"

// DeviceDataRepository stores raw inverter records per system.
type DeviceDataRepository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*DeviceDataRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *DeviceDataRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewDeviceDataRepository constructs a repository with default table name.
func NewDeviceDataRepository(db *sql.DB, opts ...RepositoryOption) *DeviceDataRepository {
	repo := &DeviceDataRepository{db: db, table: defaultDeviceDataTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// InsertRecord appends a raw record.
func (r *DeviceDataRepository) InsertRecord(ctx context.Context, systemID, raw string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device data repo: nil db")
	}
	if systemID == "" {
		return errors.New("device data repo: empty system id")
	}
	query := fmt.Sprintf(`INSERT INTO %s (system_id, data, created_at) VALUES ($1, $2, $3)`, r.table)
	if _, err := r.db.ExecContext(ctx, query, systemID, raw, at.UTC()); err != nil {
		return fmt.Errorf("device data repo: insert: %w", err)
	}
	return nil
}

// LatestSample returns the newest raw record of a system.
func (r *DeviceDataRepository) LatestSample(ctx context.Context, systemID string) (string, bool, error) {
	if r == nil || r.db == nil {
		return "", false, errors.New("device data repo: nil db")
	}
	if systemID == "" {
		return "", false, errors.New("device data repo: empty system id")
	}
	query := fmt.Sprintf(`
SELECT data
FROM %s
WHERE system_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1`, r.table)
	var raw string
	if err := r.db.QueryRowContext(ctx, query, systemID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("device data repo: latest: %w", err)
	}
	return raw, true, nil
}
