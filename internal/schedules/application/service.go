package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	devices "powerverter-monitor/internal/devices/domain"
	schedules "powerverter-monitor/internal/schedules/domain"
)

// ErrNoSystemID rejects control of devices not yet linked to a system.
var ErrNoSystemID = errors.New("schedules: device has no system id")

// MetaReader resolves a device to its external system id.
type MetaReader interface {
	GetDeviceMeta(ctx context.Context, deviceID string) (devices.Meta, error)
}

// ScheduleRequest asks for an action after a delay.
type ScheduleRequest struct {
	Action  string `json:"action"`
	Minutes int    `json:"minutes"`
}

// View is a schedule as rendered to clients.
type View struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Action     string    `json:"action"`
	DueAt      time.Time `json:"due_at"`
	Status     string    `json:"status"`
	Remaining  string    `json:"remaining"`
	Active     bool      `json:"active"`
	ServerTime time.Time `json:"server_time"`
}

// CommandResult reports an immediate load command.
type CommandResult struct {
	DeviceID string    `json:"device_id"`
	SystemID string    `json:"system_id"`
	Action   string    `json:"action"`
	SentAt   time.Time `json:"sent_at"`
}

// ControlMessage is the payload published on the control topic.
type ControlMessage struct {
	Action     string    `json:"action"`
	Source     string    `json:"source"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Service schedules and sends load-control actions.
type Service struct {
	repo      schedules.Repository
	devices   MetaReader
	publisher schedules.ControlPublisher
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a schedule service.
func NewService(repo schedules.Repository, meta MetaReader, publisher schedules.ControlPublisher, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("schedules: nil repo")
	}
	if meta == nil {
		return nil, errors.New("schedules: nil device reader")
	}
	if publisher == nil {
		return nil, errors.New("schedules: nil publisher")
	}
	s := &Service{
		repo:      repo,
		devices:   meta,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "schedules").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Now returns the server time schedules are computed against.
func (s *Service) Now() time.Time {
	return s.now()
}

// Schedule replaces the pending schedule of a device with a new one due
// after req.Minutes of server time.
func (s *Service) Schedule(ctx context.Context, deviceID string, req ScheduleRequest, actor string) (*View, error) {
	if !schedules.ValidAction(req.Action) {
		return nil, schedules.ErrInvalidAction
	}
	if req.Minutes <= 0 {
		return nil, schedules.ErrInvalidDelay
	}
	systemID, err := s.systemID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sched := &schedules.Schedule{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		SystemID:  systemID,
		Action:    req.Action,
		DueAt:     now.Add(time.Duration(req.Minutes) * time.Minute),
		Status:    schedules.StatusPending,
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Replace(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("device_id", deviceID).
		Str("schedule_id", sched.ID).
		Str("action", sched.Action).
		Time("due_at", sched.DueAt).
		Msg("schedule created")
	return s.view(sched, now), nil
}

// Cancel drops the pending schedule of a device.
func (s *Service) Cancel(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("schedules: device id required")
	}
	ok, err := s.repo.Cancel(ctx, deviceID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return schedules.ErrNotFound
	}
	s.logger.Info().Str("device_id", deviceID).Msg("schedule cancelled")
	return nil
}

// Active returns the pending schedule of a device with its countdown.
func (s *Service) Active(ctx context.Context, deviceID string) (*View, error) {
	if deviceID == "" {
		return nil, errors.New("schedules: device id required")
	}
	sched, err := s.repo.Active(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return s.view(sched, s.now()), nil
}

// Send publishes a load-control action right away.
func (s *Service) Send(ctx context.Context, deviceID, action string) (*CommandResult, error) {
	if !schedules.ValidAction(action) {
		return nil, schedules.ErrInvalidAction
	}
	systemID, err := s.systemID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.publish(ctx, systemID, ControlMessage{Action: action, Source: "manual", IssuedAt: now}); err != nil {
		return nil, err
	}
	s.logger.Info().Str("device_id", deviceID).Str("system_id", systemID).Str("action", action).Msg("load command sent")
	return &CommandResult{DeviceID: deviceID, SystemID: systemID, Action: action, SentAt: now}, nil
}

func (s *Service) systemID(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.New("schedules: device id required")
	}
	meta, err := s.devices.GetDeviceMeta(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if meta.SystemID == "" {
		return "", ErrNoSystemID
	}
	return meta.SystemID, nil
}

func (s *Service) publish(ctx context.Context, systemID string, msg ControlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("schedules: encode control message: %w", err)
	}
	return s.publisher.Publish(ctx, systemID, payload)
}

func (s *Service) view(sched *schedules.Schedule, now time.Time) *View {
	remaining, active := schedules.Countdown(sched.DueAt, now)
	if sched.Status != schedules.StatusPending {
		remaining, active = "00:00:00", false
	}
	return &View{
		ID:         sched.ID,
		DeviceID:   sched.DeviceID,
		Action:     sched.Action,
		DueAt:      sched.DueAt,
		Status:     sched.Status,
		Remaining:  remaining,
		Active:     active,
		ServerTime: now,
	}
}
