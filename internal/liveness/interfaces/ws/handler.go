// Package ws serves monitoring sessions over websocket connections. Each
// connection owns one session; the client selects the device to watch and
// receives a status message whenever the rendered status changes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"powerverter-monitor/internal/liveness/application"
	liveness "powerverter-monitor/internal/liveness/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Message types.
const (
	TypeSelect = "select"
	TypeSample = "sample"
	TypeStatus = "status"
	TypeError  = "error"
)

// OwnerGuard authorizes device selection for the caller in ctx.
type OwnerGuard interface {
	EnsureDeviceOwner(ctx context.Context, deviceID string) error
}

// Inbound is a client message.
type Inbound struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Data     string `json:"data,omitempty"`
}

// Outbound is a server message.
type Outbound struct {
	Type     string             `json:"type"`
	Status   *liveness.Snapshot `json:"status,omitempty"`
	DeviceID string             `json:"device_id,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Handler upgrades requests to monitoring connections.
type Handler struct {
	manager  *application.Manager
	guard    OwnerGuard
	watchers []func() application.Listener
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// Option configures the handler.
type Option func(*Handler)

// WithGuard checks device ownership on select.
func WithGuard(guard OwnerGuard) Option {
	return func(h *Handler) { h.guard = guard }
}

// WithWatcher adds a per-session listener factory, called once per
// connection.
func WithWatcher(watch func() application.Listener) Option {
	return func(h *Handler) {
		if watch != nil {
			h.watchers = append(h.watchers, watch)
		}
	}
}

// WithCheckOrigin overrides the upgrader origin check.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = check }
}

// NewHandler constructs a websocket handler.
func NewHandler(manager *application.Manager, logger zerolog.Logger, opts ...Option) (*Handler, error) {
	if manager == nil {
		return nil, errors.New("ws: nil session manager")
	}
	h := &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP runs one monitoring connection until the peer goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan Outbound, sendBuffer),
		done:   make(chan struct{}),
		logger: h.logger,
	}

	listeners := make([]application.Listener, 0, len(h.watchers))
	for _, watch := range h.watchers {
		listeners = append(listeners, watch())
	}
	session, err := h.manager.Open(func(snap liveness.Snapshot) {
		c.push(Outbound{Type: TypeStatus, Status: &snap})
		for _, l := range listeners {
			l(snap)
		}
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("open session")
		_ = conn.Close()
		return
	}
	c.logger = h.logger.With().Str("session_id", session.ID()).Logger()

	go c.writePump()
	h.readPump(r.Context(), c, session)

	h.manager.Release(session)
	c.close()
}

func (h *Handler) readPump(ctx context.Context, c *client, session *application.Session) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg Inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			if isDecodeError(err) {
				c.push(Outbound{Type: TypeError, Error: "invalid message"})
				continue
			}
			return
		}
		h.handle(ctx, c, session, msg)
	}
}

func (h *Handler) handle(ctx context.Context, c *client, session *application.Session, msg Inbound) {
	switch msg.Type {
	case TypeSelect:
		if msg.DeviceID == "" {
			c.push(Outbound{Type: TypeError, Error: "device_id required"})
			return
		}
		if h.guard != nil {
			if err := h.guard.EnsureDeviceOwner(ctx, msg.DeviceID); err != nil {
				c.logger.Info().Err(err).Str("device_id", msg.DeviceID).Msg("select rejected")
				c.push(Outbound{Type: TypeError, DeviceID: msg.DeviceID, Error: "forbidden"})
				return
			}
		}
		if _, err := session.Select(msg.DeviceID); err != nil {
			c.push(Outbound{Type: TypeError, DeviceID: msg.DeviceID, Error: err.Error()})
		}
	case TypeSample:
		if msg.DeviceID == "" {
			c.push(Outbound{Type: TypeError, Error: "device_id required"})
			return
		}
		if err := session.SupplySample(msg.DeviceID, msg.Data); err != nil {
			if errors.Is(err, liveness.ErrStaleIdentity) {
				c.push(Outbound{Type: TypeError, DeviceID: msg.DeviceID, Error: "stale identity"})
				return
			}
			c.push(Outbound{Type: TypeError, DeviceID: msg.DeviceID, Error: err.Error()})
		}
	default:
		c.push(Outbound{Type: TypeError, Error: "unknown message type"})
	}
}

// isDecodeError reports a message that arrived intact but is not a valid
// Inbound. The connection survives these.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

type client struct {
	conn   *websocket.Conn
	send   chan Outbound
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// push queues a message without blocking. Session listeners call it while
// holding the session lock.
func (c *client) push(msg Outbound) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("websocket send buffer full, message dropped")
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write error")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
