package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository appends audit entries to audit_logs.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository constructs an audit repository. A nil db yields nil so
// callers can leave auditing unwired.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Log writes an entry, filling id, timestamp and digest when unset.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.Action == "" || entry.ResourceType == "" {
		return errors.New("audit repo: action and resource type required")
	}
	entry = r.complete(entry)

	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_logs (
	id, actor, role, action, resource_type, resource_id, device_id,
	metadata, payload_digest, ip, user_agent, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)`, entry.ID, entry.Actor, entry.Role, entry.Action, entry.ResourceType, entry.ResourceID, entry.DeviceID,
		[]byte(entry.Metadata), entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit repo: insert %s: %w", entry.Action, err)
	}
	return nil
}

func (r *Repository) complete(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	if len(entry.Metadata) == 0 {
		entry.Metadata = []byte("{}")
	}
	return entry
}
