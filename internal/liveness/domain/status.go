package liveness

import (
	"errors"
	"fmt"
	"time"
)

// Status is the reconciler state of a monitored device.
type Status string

const (
	StatusUnknown        Status = "unknown"
	StatusOnline         Status = "online"
	StatusPendingOffline Status = "pending_offline"
	StatusOffline        Status = "offline"
)

// Rendered maps the internal state onto the two externally visible values.
// A device pending offline is still shown online until hold-down elapses.
func (s Status) Rendered() Status {
	switch s {
	case StatusOnline, StatusPendingOffline:
		return StatusOnline
	default:
		return StatusOffline
	}
}

var (
	// ErrStoreUnavailable marks a failed device store read.
	ErrStoreUnavailable = errors.New("liveness: store unavailable")
	// ErrChannel marks a push subscription failure.
	ErrChannel = errors.New("liveness: push channel error")
	// ErrStaleIdentity marks evidence that arrived for a torn-down identity.
	ErrStaleIdentity = errors.New("liveness: stale identity")
)

// Thresholds configures timing of the reconciler and evidence collector.
type Thresholds struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	ConfirmDelay     time.Duration `yaml:"confirm_delay"`
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
	HoldDown         time.Duration `yaml:"hold_down"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
}

// DefaultThresholds returns the deployment defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PollInterval:     5 * time.Second,
		ConfirmDelay:     3 * time.Second,
		OfflineThreshold: 15 * time.Second,
		HoldDown:         10 * time.Second,
		CheckInterval:    time.Second,
		FetchTimeout:     5 * time.Second,
	}
}

// Validate checks that every duration needed by a session is set.
func (t Thresholds) Validate() error {
	required := map[string]time.Duration{
		"poll_interval":     t.PollInterval,
		"confirm_delay":     t.ConfirmDelay,
		"offline_threshold": t.OfflineThreshold,
		"hold_down":         t.HoldDown,
		"check_interval":    t.CheckInterval,
	}
	for name, value := range required {
		if value <= 0 {
			return fmt.Errorf("liveness: %s must be positive", name)
		}
	}
	if t.SampleInterval < 0 || t.FetchTimeout < 0 {
		return errors.New("liveness: negative interval")
	}
	return nil
}
