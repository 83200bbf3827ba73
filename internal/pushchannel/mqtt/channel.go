package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"powerverter-monitor/internal/liveness/application"
)

// ErrNotConnected is returned while the broker connection is down.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config configures the broker connection.
type Config struct {
	BrokerURL     string        `yaml:"broker_url"`
	ClientID      string        `yaml:"client_id"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	TopicPrefix   string        `yaml:"topic_prefix"`
	ControlPrefix string        `yaml:"control_prefix"`
	QoS           byte          `yaml:"qos"`
	KeepAlive     time.Duration `yaml:"keep_alive"`
	Timeout       time.Duration `yaml:"timeout"`
}

// brokerClient is the subset of paho.Client the channel uses.
type brokerClient interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Channel multiplexes push subscriptions of many sessions over one broker
// connection. Each topic is subscribed at the broker once, however many
// sessions watch it.
type Channel struct {
	cfg    Config
	client brokerClient
	logger zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	topics map[string]*topicState
	// unsubscribing holds topics whose broker unsubscribe is in flight;
	// the channel closes once the broker answered.
	unsubscribing map[string]chan struct{}
}

// topicState is one broker subscription and the sessions watching it.
// ready closes when the broker answered the subscribe; err is its result.
type topicState struct {
	watchers map[uint64]application.PushHandler
	ready    chan struct{}
	err      error
}

// New builds a channel and its paho client. Call Connect before use.
func New(cfg Config, logger zerolog.Logger) (*Channel, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: broker url is required")
	}
	if cfg.TopicPrefix == "" {
		return nil, errors.New("mqtt: topic prefix is required")
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	c := newChannel(cfg, nil, logger)

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive).
		SetPingTimeout(cfg.Timeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(paho.Client) {
		c.logger.Info().Str("broker", cfg.BrokerURL).Msg("mqtt connected")
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		c.connectionLost(err)
	}
	c.client = paho.NewClient(opts)
	return c, nil
}

func newChannel(cfg Config, client brokerClient, logger zerolog.Logger) *Channel {
	return &Channel{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "mqtt").Logger(),
		topics:        make(map[string]*topicState),
		unsubscribing: make(map[string]chan struct{}),
	}
}

// Connect dials the broker, retrying with exponential backoff until ctx ends.
func (c *Channel) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		token := c.client.Connect()
		if err := wait(ctx, token, c.cfg.Timeout); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithNotify(func(err error, next time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", next).Msg("mqtt connect failed")
	}))
	if err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *Channel) Close() {
	c.client.Disconnect(250)
}

// Topic returns the telemetry topic of a system.
func (c *Channel) Topic(systemID string) string {
	return joinTopic(c.cfg.TopicPrefix, systemID)
}

// Subscribe watches the telemetry topic of systemID.
func (c *Channel) Subscribe(ctx context.Context, systemID string, handler application.PushHandler) (application.Subscription, error) {
	if systemID == "" {
		return nil, errors.New("mqtt: empty system id")
	}
	if !c.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	topic := c.Topic(systemID)
	if handler.OnSubscribed != nil {
		handler.OnSubscribed()
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	state, exists := c.topics[topic]
	if !exists {
		state = &topicState{
			watchers: make(map[uint64]application.PushHandler),
			ready:    make(chan struct{}),
		}
		c.topics[topic] = state
	}
	state.watchers[id] = handler
	gate := c.unsubscribing[topic]
	c.mu.Unlock()

	sub := &subscription{channel: c, topic: topic, id: id}
	if exists {
		// Join the broker subscription once it is confirmed. The first
		// subscriber may wait out an unsubscribe before its own subscribe.
		if err := waitDone(ctx, state.ready, 2*c.cfg.Timeout); err != nil {
			c.forget(topic, id)
			return nil, fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
		}
		if state.err != nil {
			return nil, fmt.Errorf("mqtt: subscribe %s: %w", topic, state.err)
		}
		return sub, nil
	}

	err := c.brokerSubscribe(ctx, topic, gate)
	c.mu.Lock()
	state.err = err
	if err != nil && c.topics[topic] == state {
		delete(c.topics, topic)
	}
	close(state.ready)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	c.logger.Debug().Str("topic", topic).Msg("subscribed")
	return sub, nil
}

// brokerSubscribe waits out a pending unsubscribe of the same topic, then
// subscribes at the broker.
func (c *Channel) brokerSubscribe(ctx context.Context, topic string, gate <-chan struct{}) error {
	if gate != nil {
		if err := waitDone(ctx, gate, c.cfg.Timeout); err != nil {
			return fmt.Errorf("pending unsubscribe: %w", err)
		}
	}
	return wait(ctx, c.client.Subscribe(topic, c.cfg.QoS, c.dispatch), c.cfg.Timeout)
}

// Publish sends a payload on the control topic of systemID.
func (c *Channel) Publish(ctx context.Context, systemID string, payload []byte) error {
	if c.cfg.ControlPrefix == "" {
		return errors.New("mqtt: control prefix is not configured")
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	topic := joinTopic(c.cfg.ControlPrefix, systemID)
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if err := wait(ctx, token, c.cfg.Timeout); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

func (c *Channel) dispatch(_ paho.Client, msg paho.Message) {
	c.mu.Lock()
	var handlers []application.PushHandler
	if state, ok := c.topics[msg.Topic()]; ok {
		for _, h := range state.watchers {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	payload := msg.Payload()
	for _, h := range handlers {
		if h.OnPayload != nil {
			h.OnPayload(payload)
		}
	}
}

// connectionLost drops every subscription and tells its owner, which
// resubscribes once the client has reconnected.
func (c *Channel) connectionLost(err error) {
	c.mu.Lock()
	var handlers []application.PushHandler
	for _, state := range c.topics {
		for _, h := range state.watchers {
			handlers = append(handlers, h)
		}
	}
	c.topics = make(map[string]*topicState)
	c.mu.Unlock()

	c.logger.Warn().Err(err).Int("subscriptions", len(handlers)).Msg("mqtt connection lost")
	for _, h := range handlers {
		if h.OnError != nil {
			h.OnError(err)
		}
	}
}

// forget removes one watcher and reports whether the topic is now unwatched.
func (c *Channel) forget(topic string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forgetLocked(topic, id)
}

func (c *Channel) forgetLocked(topic string, id uint64) bool {
	state, ok := c.topics[topic]
	if !ok {
		return false
	}
	if _, ok := state.watchers[id]; !ok {
		return false
	}
	delete(state.watchers, id)
	if len(state.watchers) > 0 {
		return false
	}
	delete(c.topics, topic)
	return true
}

// release drops a watcher. The last watcher of a topic unsubscribes at the
// broker; a later Subscribe of that topic waits for the broker to answer.
func (c *Channel) release(topic string, id uint64) error {
	c.mu.Lock()
	if !c.forgetLocked(topic, id) || !c.client.IsConnectionOpen() {
		c.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	c.unsubscribing[topic] = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.unsubscribing[topic] == done {
			delete(c.unsubscribing, topic)
		}
		c.mu.Unlock()
		close(done)
	}()
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(c.cfg.Timeout) {
		return fmt.Errorf("mqtt: unsubscribe %s: timeout", topic)
	}
	return token.Error()
}

func (c *Channel) watchers(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.topics[topic]; ok {
		return len(state.watchers)
	}
	return 0
}

type subscription struct {
	channel *Channel
	topic   string
	id      uint64
	once    sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.channel.release(s.topic, s.id)
	})
	return err
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	if err := waitDone(ctx, token.Done(), timeout); err != nil {
		return err
	}
	return token.Error()
}

func waitDone(ctx context.Context, done <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timeout")
	}
}

func joinTopic(prefix, systemID string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + systemID
}
