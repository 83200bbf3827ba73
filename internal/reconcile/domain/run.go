package reconcile

import (
	"context"
	"errors"
	"time"
)

// Outcome statuses of one device in a run.
const (
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// Activity sources in the push-telemetry store.
const (
	SourceControl = "control"
	SourceDevice  = "device"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerHTTP      = "http"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("reconcile: run not found")

// Outcome is the result of reconciling one device.
type Outcome struct {
	DeviceID string     `json:"device_id"`
	SystemID string     `json:"system_id,omitempty"`
	Status   string     `json:"status"`
	Source   string     `json:"source,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Run is one pass of the reconciliation job.
type Run struct {
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Updated    int        `json:"updated"`
	Unchanged  int        `json:"unchanged"`
	Skipped    int        `json:"skipped"`
	Errors     int        `json:"errors"`
	Outcomes   []Outcome  `json:"outcomes,omitempty"`
}

// Add appends an outcome and updates the tallies.
func (r *Run) Add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case OutcomeUpdated:
		r.Updated++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeError:
		r.Errors++
	}
}

// Total returns the number of devices processed.
func (r *Run) Total() int {
	return r.Updated + r.Unchanged + r.Skipped + r.Errors
}

// ActivitySource reads one timestamp field of a push-telemetry document.
type ActivitySource interface {
	ReadTimestamp(ctx context.Context, path, field string) (time.Time, bool, error)
}

// RunRepository persists runs and their outcomes.
type RunRepository interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}
