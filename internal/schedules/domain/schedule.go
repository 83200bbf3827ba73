package schedules

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Load-control actions.
const (
	ActionPowerOn  = "power_on"
	ActionPowerOff = "power_off"
)

// Schedule statuses.
const (
	StatusPending   = "pending"
	StatusExecuted  = "executed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

var (
	// ErrNotFound is returned when a device has no active schedule.
	ErrNotFound = errors.New("schedules: not found")
	// ErrInvalidAction rejects anything but power_on and power_off.
	ErrInvalidAction = errors.New("schedules: invalid action")
	// ErrInvalidDelay rejects non-positive delays.
	ErrInvalidDelay = errors.New("schedules: delay must be positive")
)

// Presets are the delays offered to operators, in minutes.
var Presets = []int{15, 30, 60, 120}

// Schedule is one deferred load-control action. A device has at most one
// pending schedule.
type Schedule struct {
	ID         string
	DeviceID   string
	SystemID   string
	Action     string
	DueAt      time.Time
	Status     string
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExecutedAt *time.Time
	Error      string
}

// ValidAction reports whether action is a known load-control action.
func ValidAction(action string) bool {
	return action == ActionPowerOn || action == ActionPowerOff
}

// Countdown renders the time left until due as HH:MM:SS. Once due it
// returns "00:00:00" and active=false.
func Countdown(due, now time.Time) (string, bool) {
	left := due.Sub(now)
	if left < 0 {
		return "00:00:00", false
	}
	total := int64(left / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds), true
}

// Repository persists schedules.
type Repository interface {
	// Replace cancels the pending schedule of the device, if any, and
	// stores s as the new pending one.
	Replace(ctx context.Context, s *Schedule) error
	Cancel(ctx context.Context, deviceID string, at time.Time) (bool, error)
	Active(ctx context.Context, deviceID string) (*Schedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, at time.Time, reason string) error
}

// ControlPublisher delivers a control payload to the device addressed by
// its external system id.
type ControlPublisher interface {
	Publish(ctx context.Context, systemID string, payload []byte) error
}
