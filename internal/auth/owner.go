package auth

import (
	"context"
	"errors"

	devices "powerverter-monitor/internal/devices/domain"
)

// ErrNotOwner indicates the device belongs to another user.
var ErrNotOwner = errors.New("auth: device not owned by user")

// DeviceGuard checks device ownership for the authenticated user.
type DeviceGuard struct {
	checker devices.OwnerChecker
}

// NewDeviceGuard constructs a DeviceGuard.
func NewDeviceGuard(checker devices.OwnerChecker) (*DeviceGuard, error) {
	if checker == nil {
		return nil, errors.New("auth: nil owner checker")
	}
	return &DeviceGuard{checker: checker}, nil
}

// EnsureDeviceOwner verifies that the user in ctx owns deviceID. Admins
// may access every device.
func (g *DeviceGuard) EnsureDeviceOwner(ctx context.Context, deviceID string) error {
	if g == nil || g.checker == nil {
		return nil
	}
	if RoleFromContext(ctx) == RoleAdmin {
		return nil
	}
	userID := SubjectFromContext(ctx)
	if userID == "" {
		return ErrNotOwner
	}
	owner, err := g.checker.IsOwner(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if !owner {
		return ErrNotOwner
	}
	return nil
}
