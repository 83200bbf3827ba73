package liveness

import (
	"fmt"
	"time"
)

// Identity tags everything started on behalf of one monitored device. The
// epoch advances on every selection, so re-selecting the same device still
// yields a new identity.
type Identity struct {
	DeviceID string
	Epoch    uint64
}

func (i Identity) String() string {
	return fmt.Sprintf("%s#%d", i.DeviceID, i.Epoch)
}

// IsZero reports whether no device is selected.
func (i Identity) IsZero() bool {
	return i.DeviceID == "" && i.Epoch == 0
}

// EvidenceKind tags the source of an evidence event.
type EvidenceKind string

const (
	EvidencePolledTimestamp EvidenceKind = "polled_timestamp"
	EvidencePushUpdate      EvidenceKind = "push_update"
	EvidenceTelemetrySample EvidenceKind = "telemetry_sample"
)

// SentinelBased reports whether the kind is derived from a sentinel change.
func (k EvidenceKind) SentinelBased() bool {
	return k == EvidencePushUpdate || k == EvidenceTelemetrySample
}

// Evidence is one observation that the device may be alive.
type Evidence struct {
	Identity   Identity
	Kind       EvidenceKind
	ReceivedAt time.Time

	// LastSeen is the stored timestamp, set for polled evidence.
	LastSeen time.Time
	// Sentinel is the changed sentinel value, set for sentinel evidence.
	Sentinel string
}

// ActivityAt is the time the evidence says the device was last active.
// Polled timestamps in the future are clamped to the receipt time.
func (e Evidence) ActivityAt() time.Time {
	if e.Kind == EvidencePolledTimestamp {
		if e.LastSeen.After(e.ReceivedAt) {
			return e.ReceivedAt
		}
		return e.LastSeen
	}
	return e.ReceivedAt
}

// Snapshot is the externally rendered status of a session.
type Snapshot struct {
	DeviceID string     `json:"device_id"`
	Epoch    uint64     `json:"epoch"`
	Status   Status     `json:"status"`
	State    Status     `json:"state"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	SystemID string     `json:"system_id,omitempty"`
}
