// Package audit records operator actions against devices.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audited actions.
const (
	ActionScheduleCreate = "schedule.create"
	ActionScheduleCancel = "schedule.cancel"
	ActionCommandSend    = "command.send"
)

// Entry is one audited operator action on a device.
type Entry struct {
	ID            string
	Actor         string
	Role          string
	Action        string
	ResourceType  string
	ResourceID    string
	DeviceID      string
	Metadata      json.RawMessage
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// WithMetadata encodes meta as the entry payload. Encoding failures leave
// the entry without metadata.
func (e Entry) WithMetadata(meta map[string]any) Entry {
	if len(meta) == 0 {
		return e
	}
	if raw, err := json.Marshal(meta); err == nil {
		e.Metadata = raw
	}
	return e
}

// NewID returns a random audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON returns the hex SHA256 of a metadata payload.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
