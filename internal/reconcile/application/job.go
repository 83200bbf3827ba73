package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	devices "powerverter-monitor/internal/devices/domain"
	reconcile "powerverter-monitor/internal/reconcile/domain"
)

// ErrRunInProgress is returned when a run is started while another is active.
var ErrRunInProgress = errors.New("reconcile: run already in progress")

// DefaultBatchSize caps the devices examined per run.
const DefaultBatchSize = 50

// Push-telemetry fields holding activity timestamps.
const (
	controlField = "lastUpdate"
	deviceField  = "timestamp"
)

// Metrics observes job runs.
type Metrics interface {
	RunFinished(status string, duration time.Duration)
	Outcome(status string)
}

// DeviceStore is what the job needs from the relational device store.
type DeviceStore interface {
	devices.BatchLister
	SetLastSeen(ctx context.Context, deviceID string, at time.Time) error
}

// Option configures a Job.
type Option func(*Job)

// WithBatchSize overrides the batch size.
func WithBatchSize(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithRunRepository persists every run.
func WithRunRepository(repo reconcile.RunRepository) Option {
	return func(j *Job) { j.runs = repo }
}

// WithMetrics records run metrics.
func WithMetrics(m Metrics) Option {
	return func(j *Job) { j.metrics = m }
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(j *Job) {
		if now != nil {
			j.now = now
		}
	}
}

// Job copies the newest activity timestamp from the push-telemetry store
// into the device store. It only ever moves last_seen forward, so running it
// twice over unchanged inputs writes nothing.
type Job struct {
	devices   DeviceStore
	source    reconcile.ActivitySource
	runs      reconcile.RunRepository
	metrics   Metrics
	batchSize int
	now       func() time.Time
	logger    zerolog.Logger

	running sync.Mutex
}

// NewJob constructs a reconciliation job.
func NewJob(store DeviceStore, source reconcile.ActivitySource, logger zerolog.Logger, opts ...Option) (*Job, error) {
	if store == nil {
		return nil, errors.New("reconcile: nil device store")
	}
	if source == nil {
		return nil, errors.New("reconcile: nil activity source")
	}
	j := &Job{
		devices:   store,
		source:    source,
		batchSize: DefaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "reconcile").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j, nil
}

// Run reconciles one batch. A run that could not list devices fails as a
// whole; per-device failures are recorded as error outcomes.
func (j *Job) Run(ctx context.Context, trigger string) (*reconcile.Run, error) {
	if !j.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer j.running.Unlock()
	if trigger == "" {
		trigger = reconcile.TriggerManual
	}
	run := &reconcile.Run{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Status:    reconcile.RunRunning,
		StartedAt: j.now(),
	}
	logger := j.logger.With().Str("run_id", run.ID).Str("trigger", trigger).Logger()
	if j.runs != nil {
		if err := j.runs.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("reconcile: create run: %w", err)
		}
	}
	logger.Info().Int("batch_size", j.batchSize).Msg("reconcile run started")

	batch, err := j.devices.ListOldestSeen(ctx, j.batchSize)
	if err != nil {
		err = fmt.Errorf("reconcile: list devices: %w", err)
		j.finish(ctx, logger, run, err)
		return run, err
	}
	for _, device := range batch {
		if err := ctx.Err(); err != nil {
			j.finish(ctx, logger, run, err)
			return run, err
		}
		outcome := j.reconcileDevice(ctx, device)
		run.Add(outcome)
		if j.metrics != nil {
			j.metrics.Outcome(outcome.Status)
		}
		j.logOutcome(logger, outcome)
	}
	j.finish(ctx, logger, run, nil)
	return run, nil
}

func (j *Job) reconcileDevice(ctx context.Context, device devices.Device) reconcile.Outcome {
	outcome := reconcile.Outcome{DeviceID: device.ID, SystemID: device.SystemID, From: device.LastSeen}
	if device.SystemID == "" {
		outcome.Status = reconcile.OutcomeSkipped
		outcome.Reason = "no system id"
		return outcome
	}

	control, hasControl, err := j.source.ReadTimestamp(ctx, devices.ControlPath(device.SystemID), controlField)
	if err != nil {
		outcome.Status = reconcile.OutcomeError
		outcome.Reason = fmt.Sprintf("read control path: %v", err)
		return outcome
	}
	telemetry, hasTelemetry, err := j.source.ReadTimestamp(ctx, devices.DevicePath(device.SystemID), deviceField)
	if err != nil {
		outcome.Status = reconcile.OutcomeError
		outcome.Reason = fmt.Sprintf("read device path: %v", err)
		return outcome
	}

	latest, source, ok := newest(control, hasControl, telemetry, hasTelemetry)
	if !ok {
		outcome.Status = reconcile.OutcomeUnchanged
		outcome.Reason = "no activity timestamp found"
		return outcome
	}
	outcome.Source = source
	if device.LastSeen != nil && !latest.After(*device.LastSeen) {
		outcome.Status = reconcile.OutcomeUnchanged
		outcome.Reason = "activity timestamp not newer"
		return outcome
	}
	if err := j.devices.SetLastSeen(ctx, device.ID, latest); err != nil {
		outcome.Status = reconcile.OutcomeError
		outcome.Reason = fmt.Sprintf("write last seen: %v", err)
		return outcome
	}
	outcome.Status = reconcile.OutcomeUpdated
	outcome.To = &latest
	return outcome
}

// newest picks the later of the two timestamps; the control path wins ties.
func newest(control time.Time, hasControl bool, telemetry time.Time, hasTelemetry bool) (time.Time, string, bool) {
	switch {
	case hasControl && hasTelemetry:
		if telemetry.After(control) {
			return telemetry, reconcile.SourceDevice, true
		}
		return control, reconcile.SourceControl, true
	case hasControl:
		return control, reconcile.SourceControl, true
	case hasTelemetry:
		return telemetry, reconcile.SourceDevice, true
	default:
		return time.Time{}, "", false
	}
}

func (j *Job) finish(ctx context.Context, logger zerolog.Logger, run *reconcile.Run, runErr error) {
	finished := j.now()
	run.FinishedAt = &finished
	run.Status = reconcile.RunSucceeded
	if runErr != nil {
		run.Status = reconcile.RunFailed
		run.Error = runErr.Error()
	}
	if j.runs != nil {
		// The run context may already be cancelled; persist the result anyway.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := j.runs.FinishRun(persistCtx, run); err != nil {
			logger.Error().Err(err).Msg("persist reconcile run failed")
		}
		cancel()
	}
	if j.metrics != nil {
		j.metrics.RunFinished(run.Status, finished.Sub(run.StartedAt))
	}
	event := logger.Info()
	if runErr != nil {
		event = logger.Error().Err(runErr)
	}
	event.
		Str("status", run.Status).
		Int("updated", run.Updated).
		Int("unchanged", run.Unchanged).
		Int("skipped", run.Skipped).
		Int("errors", run.Errors).
		Msg("reconcile run finished")
}

func (j *Job) logOutcome(logger zerolog.Logger, o reconcile.Outcome) {
	event := logger.Debug()
	if o.Status == reconcile.OutcomeError {
		event = logger.Warn()
	}
	event = event.Str("device_id", o.DeviceID).Str("status", o.Status)
	if o.Source != "" {
		event = event.Str("source", o.Source)
	}
	if o.To != nil {
		event = event.Time("to", *o.To)
	}
	if o.Reason != "" {
		event = event.Str("reason", o.Reason)
	}
	event.Msg("device reconciled")
}
