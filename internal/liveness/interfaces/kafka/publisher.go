// Package kafka publishes rendered status changes of monitoring sessions.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"powerverter-monitor/internal/liveness/application"
	liveness "powerverter-monitor/internal/liveness/domain"
)

const (
	defaultQueueSize = 256
	defaultMaxBatch  = 50
	defaultFlush     = 500 * time.Millisecond
)

// Config configures the status topic. An empty broker list disables the
// publisher.
type Config struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// StatusChanged is the event written for every rendered status change.
type StatusChanged struct {
	DeviceID string          `json:"device_id"`
	SystemID string          `json:"system_id,omitempty"`
	Previous liveness.Status `json:"previous"`
	Status   liveness.Status `json:"status"`
	LastSeen *time.Time      `json:"last_seen,omitempty"`
	At       time.Time       `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher batches status events onto a kafka topic. Enqueue never blocks
// so it is safe to call from session listeners.
type Publisher struct {
	writer   messageWriter
	queue    chan kafka.Message
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	maxBatch int
	tick     time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewPublisher builds a publisher writing to cfg.Topic.
func NewPublisher(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    defaultMaxBatch,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newPublisher(w, logger), nil
}

func newPublisher(w messageWriter, logger zerolog.Logger) *Publisher {
	p := &Publisher{
		writer:   w,
		queue:    make(chan kafka.Message, defaultQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		maxBatch: defaultMaxBatch,
		tick:     defaultFlush,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "status_publisher").Logger(),
	}
	go p.loop()
	return p
}

// Watch returns a session listener that enqueues an event whenever the
// rendered status of the watched identity changes. The first snapshot of
// every identity only primes the listener.
func (p *Publisher) Watch() application.Listener {
	var (
		mu   sync.Mutex
		last liveness.Snapshot
		seen bool
	)
	return func(snap liveness.Snapshot) {
		mu.Lock()
		prev, primed := last, seen
		last, seen = snap, true
		mu.Unlock()

		if !primed || prev.DeviceID != snap.DeviceID || prev.Epoch != snap.Epoch {
			return
		}
		if prev.Status == snap.Status {
			return
		}
		p.Enqueue(StatusChanged{
			DeviceID: snap.DeviceID,
			SystemID: snap.SystemID,
			Previous: prev.Status,
			Status:   snap.Status,
			LastSeen: snap.LastSeen,
			At:       p.now(),
		})
	}
}

// Enqueue queues one event, dropping it when the queue is full.
func (p *Publisher) Enqueue(event StatusChanged) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Msg("encode status event")
		return
	}
	msg := kafka.Message{Key: []byte(event.DeviceID), Value: value, Time: event.At}
	select {
	case <-p.stop:
		return
	default:
	}
	select {
	case p.queue <- msg:
	default:
		p.logger.Warn().Str("device_id", event.DeviceID).Msg("status queue full, event dropped")
	}
}

// Close flushes queued events and closes the writer.
func (p *Publisher) Close() error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return p.writer.Close()
}

func (p *Publisher) loop() {
	defer close(p.done)
	batch := make([]kafka.Message, 0, p.maxBatch)
	t := time.NewTicker(p.tick)
	defer t.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.writer.WriteMessages(ctx, batch...); err != nil {
			p.logger.Warn().Err(err).Int("events", len(batch)).Msg("status publish failed")
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case m := <-p.queue:
			batch = append(batch, m)
			if len(batch) >= p.maxBatch {
				flush()
			}
		case <-t.C:
			flush()
		case <-p.stop:
			for {
				select {
				case m := <-p.queue:
					batch = append(batch, m)
				default:
					flush()
					return
				}
			}
		}
	}
}
