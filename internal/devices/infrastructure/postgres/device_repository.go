package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	devices "powerverter-monitor/internal/devices/domain"
)

const defaultDevicesTable = "inverter_systems"

// DBTX abstracts *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DeviceRepository is a Postgres implementation of the device store.
type DeviceRepository struct {
	db    DBTX
	table string
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// GetLastSeen loads the stored last-seen time of a device.
func (r *DeviceRepository) GetLastSeen(ctx context.Context, deviceID string) (*time.Time, error) {
	if err := r.check(deviceID); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT last_seen FROM %s WHERE id = $1`, r.table)
	var lastSeen sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, devices.ErrNotFound
		}
		return nil, fmt.Errorf("device repo: get last seen: %w", err)
	}
	return nullTime(lastSeen), nil
}

// SetLastSeen stores a new last-seen time. The write never moves the value
// backwards, so racing writers converge on the newest timestamp.
func (r *DeviceRepository) SetLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	if err := r.check(deviceID); err != nil {
		return err
	}
	if at.IsZero() {
		return errors.New("device repo: zero last seen")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET last_seen = $2
WHERE id = $1 AND (last_seen IS NULL OR last_seen < $2)`, r.table)
	if _, err := r.db.ExecContext(ctx, query, deviceID, at.UTC()); err != nil {
		return fmt.Errorf("device repo: set last seen: %w", err)
	}
	return nil
}

// GetDeviceMeta loads the system id and last-seen time of a device.
func (r *DeviceRepository) GetDeviceMeta(ctx context.Context, deviceID string) (devices.Meta, error) {
	if err := r.check(deviceID); err != nil {
		return devices.Meta{}, err
	}
	query := fmt.Sprintf(`SELECT system_id, last_seen FROM %s WHERE id = $1`, r.table)
	var systemID sql.NullString
	var lastSeen sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&systemID, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return devices.Meta{}, devices.ErrNotFound
		}
		return devices.Meta{}, fmt.Errorf("device repo: get meta: %w", err)
	}
	return devices.Meta{SystemID: systemID.String, LastSeen: nullTime(lastSeen)}, nil
}

// ListOldestSeen lists up to limit devices linked to a system id, never-seen
// and oldest first. Unlinked devices have nothing to reconcile and would
// otherwise hold the head of every batch.
func (r *DeviceRepository) ListOldestSeen(ctx context.Context, limit int) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if limit <= 0 {
		return nil, errors.New("device repo: limit must be positive")
	}
	query := fmt.Sprintf(`
SELECT id, user_id, system_id, last_seen
FROM %s
WHERE system_id IS NOT NULL AND system_id <> ''
ORDER BY last_seen ASC NULLS FIRST, id ASC
LIMIT $1`, r.table)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("device repo: list: %w", err)
	}
	defer rows.Close()

	var result []devices.Device
	for rows.Next() {
		var (
			device   devices.Device
			userID   sql.NullString
			systemID sql.NullString
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&device.ID, &userID, &systemID, &lastSeen); err != nil {
			return nil, err
		}
		device.UserID = userID.String
		device.SystemID = systemID.String
		device.LastSeen = nullTime(lastSeen)
		result = append(result, device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// IsOwner reports whether userID owns deviceID.
func (r *DeviceRepository) IsOwner(ctx context.Context, userID, deviceID string) (bool, error) {
	if err := r.check(deviceID); err != nil {
		return false, err
	}
	if userID == "" {
		return false, nil
	}
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1 AND user_id = $2`, r.table)
	var one int
	if err := r.db.QueryRowContext(ctx, query, deviceID, userID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("device repo: owner check: %w", err)
	}
	return true, nil
}

func (r *DeviceRepository) check(deviceID string) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if deviceID == "" {
		return errors.New("device repo: empty id")
	}
	return nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	at := value.Time.UTC()
	return &at
}
