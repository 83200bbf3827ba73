package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	reconcile "powerverter-monitor/internal/reconcile/domain"
)

// Runner runs one reconciliation pass.
type Runner interface {
	Run(ctx context.Context, trigger string) (*reconcile.Run, error)
}

// Scheduler triggers the reconciliation job on a fixed interval.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   zerolog.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(runner Runner, interval time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("reconcile: nil runner")
	}
	if interval <= 0 {
		return nil, errors.New("reconcile: interval must be positive")
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger.With().Str("component", "reconcile_scheduler").Logger(),
	}, nil
}

// Start runs the job immediately and then on every tick until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	_, err := s.runner.Run(ctx, reconcile.TriggerScheduled)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info().Msg("previous reconcile run still active, skipping tick")
	case ctx.Err() != nil:
	default:
		s.logger.Error().Err(err).Msg("scheduled reconcile failed")
	}
}
