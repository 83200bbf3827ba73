package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"powerverter-monitor/internal/observability/metrics"
)

const dueBatch = 100

// Executor publishes due schedules on every tick.
type Executor struct {
	service  *Service
	interval time.Duration
	logger   zerolog.Logger
}

// NewExecutor constructs an executor.
func NewExecutor(service *Service, interval time.Duration, logger zerolog.Logger) (*Executor, error) {
	if service == nil {
		return nil, errors.New("schedules: nil service")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Executor{
		service:  service,
		interval: interval,
		logger:   logger.With().Str("component", "schedule_executor").Logger(),
	}, nil
}

// Start ticks until ctx is done.
func (e *Executor) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunDue(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("list due schedules failed")
			}
		}
	}
}

// RunDue executes every schedule due at the current server time and
// returns how many were published.
func (e *Executor) RunDue(ctx context.Context) (int, error) {
	s := e.service
	now := s.now()
	due, err := s.repo.ListDue(ctx, now, dueBatch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, sched := range due {
		logger := e.logger.With().
			Str("schedule_id", sched.ID).
			Str("device_id", sched.DeviceID).
			Str("action", sched.Action).
			Logger()
		msg := ControlMessage{Action: sched.Action, Source: "schedule", ScheduleID: sched.ID, IssuedAt: now}
		if err := s.publish(ctx, sched.SystemID, msg); err != nil {
			metrics.IncScheduleExecution(sched.Action, metrics.ResultError)
			logger.Warn().Err(err).Msg("schedule publish failed")
			if markErr := s.repo.MarkFailed(ctx, sched.ID, now, err.Error()); markErr != nil {
				logger.Error().Err(markErr).Msg("mark schedule failed")
			}
			continue
		}
		if err := s.repo.MarkExecuted(ctx, sched.ID, now); err != nil {
			logger.Error().Err(err).Msg("mark schedule executed")
		}
		metrics.IncScheduleExecution(sched.Action, metrics.ResultSuccess)
		logger.Info().Msg("schedule executed")
		sent++
	}
	return sent, nil
}
