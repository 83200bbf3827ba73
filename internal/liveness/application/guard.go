package application

import (
	"context"

	liveness "powerverter-monitor/internal/liveness/domain"
)

// identityGuard owns the active identity of a session and the context that
// scopes its in-flight work. Callers serialize access.
type identityGuard struct {
	current liveness.Identity
	epoch   uint64
	ctx     context.Context
	cancel  context.CancelFunc
}

// switchTo retires the current identity and activates a new one.
func (g *identityGuard) switchTo(deviceID string) (liveness.Identity, context.Context) {
	g.retire()
	g.epoch++
	g.current = liveness.Identity{DeviceID: deviceID, Epoch: g.epoch}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g.current, g.ctx
}

// retire cancels in-flight work and leaves no identity active.
func (g *identityGuard) retire() {
	if g.cancel != nil {
		g.cancel()
	}
	g.current = liveness.Identity{}
	g.ctx, g.cancel = nil, nil
}

// active reports whether id is the identity currently being monitored.
func (g *identityGuard) active(id liveness.Identity) bool {
	return !id.IsZero() && id == g.current
}

// context returns the context of the active identity.
func (g *identityGuard) context() context.Context {
	if g.ctx == nil {
		return context.Background()
	}
	return g.ctx
}
