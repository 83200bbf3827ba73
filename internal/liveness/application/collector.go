package application

import (
	"bytes"
	"context"
	"encoding/json"

	telemetry "powerverter-monitor/internal/telemetry/domain"
)

// PushHandler receives events of one push subscription.
type PushHandler struct {
	// OnSubscribed runs every time the subscription is (re)established.
	OnSubscribed func()
	OnPayload    func(payload []byte)
	// OnError reports a broken subscription; the session resubscribes.
	OnError func(err error)
}

// Subscription is a live push subscription.
type Subscription interface {
	Close() error
}

// PushChannel delivers real-time payloads keyed by external system id.
type PushChannel interface {
	Subscribe(ctx context.Context, systemID string, handler PushHandler) (Subscription, error)
}

// sentinelTracker turns sentinel observations into change events. The first
// observation only primes the tracker: a channel may replay its retained
// value on (re)connect, which says nothing about the device being alive.
type sentinelTracker struct {
	value              string
	ignoredFirstSample bool
}

// observe returns changed for a new value and first for the priming sample.
func (t *sentinelTracker) observe(value string) (changed, first bool) {
	if !t.ignoredFirstSample {
		t.ignoredFirstSample = true
		t.value = value
		return false, true
	}
	if value == t.value {
		return false, false
	}
	t.value = value
	return true, false
}

func (t *sentinelTracker) reset() {
	*t = sentinelTracker{}
}

// decodePushPayload accepts a JSON object or a bare raw record.
func decodePushPayload(payload []byte) (telemetry.Reading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]any
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return telemetry.Reading{}, &telemetry.ParseError{Field: -1, Reason: "invalid json: " + err.Error()}
		}
		return telemetry.ParsePayload(fields)
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return telemetry.Reading{}, &telemetry.ParseError{Field: -1, Reason: "invalid json: " + err.Error()}
		}
		return telemetry.Parse(raw)
	}
	return telemetry.Parse(string(trimmed))
}
