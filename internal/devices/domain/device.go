package devices

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a device does not exist.
var ErrNotFound = errors.New("devices: not found")

// Device is an inverter system row as the monitor sees it.
type Device struct {
	ID       string
	UserID   string
	SystemID string
	LastSeen *time.Time
}

// ControlPath is the push-store path firmware uses for control state.
func ControlPath(systemID string) string {
	return "_" + systemID
}

// DevicePath is the push-store path firmware uses for telemetry.
func DevicePath(systemID string) string {
	return systemID
}

// Meta is the subset of a device needed to start monitoring.
type Meta struct {
	SystemID string
	LastSeen *time.Time
}

// Store is the relational record of devices and their last-seen time.
type Store interface {
	GetLastSeen(ctx context.Context, deviceID string) (*time.Time, error)
	SetLastSeen(ctx context.Context, deviceID string, at time.Time) error
	GetDeviceMeta(ctx context.Context, deviceID string) (Meta, error)
}

// BatchLister lists devices with a system id for reconciliation, oldest
// last-seen first.
type BatchLister interface {
	ListOldestSeen(ctx context.Context, limit int) ([]Device, error)
}

// OwnerChecker reports whether a user owns a device.
type OwnerChecker interface {
	IsOwner(ctx context.Context, userID, deviceID string) (bool, error)
}
