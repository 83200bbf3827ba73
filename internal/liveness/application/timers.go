package application

import (
	"time"

	liveness "powerverter-monitor/internal/liveness/domain"
)

// Clock provides time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// TimerKind names the timers a session may have armed.
type TimerKind string

const (
	TimerResolve   TimerKind = "resolve"
	TimerPoll      TimerKind = "poll"
	TimerSample    TimerKind = "sample"
	TimerSubscribe TimerKind = "subscribe"
	TimerCheck     TimerKind = "check"
	TimerConfirm   TimerKind = "confirm"
	TimerHoldDown  TimerKind = "hold_down"
)

// Timers arms and cancels named timers.
type Timers interface {
	Arm(kind TimerKind, d time.Duration)
	Cancel(kind TimerKind)
}

type armedTimer struct {
	timer Timer
	seq   uint64
}

// timerRegistry holds every timer of one session. At most one timer per
// kind is armed; firing callbacks must claim their slot with take, which
// fails for timers that were cancelled, re-armed or belong to an old owner.
// Callers serialize access.
type timerRegistry struct {
	clock  Clock
	owner  liveness.Identity
	seq    uint64
	active map[TimerKind]armedTimer
	fire   func(owner liveness.Identity, kind TimerKind, seq uint64)
}

func newTimerRegistry(clock Clock, fire func(owner liveness.Identity, kind TimerKind, seq uint64)) *timerRegistry {
	return &timerRegistry{
		clock:  clock,
		active: make(map[TimerKind]armedTimer),
		fire:   fire,
	}
}

func (r *timerRegistry) Arm(kind TimerKind, d time.Duration) {
	r.Cancel(kind)
	if d < 0 {
		d = 0
	}
	r.seq++
	seq := r.seq
	owner := r.owner
	timer := r.clock.AfterFunc(d, func() { r.fire(owner, kind, seq) })
	r.active[kind] = armedTimer{timer: timer, seq: seq}
}

func (r *timerRegistry) Cancel(kind TimerKind) {
	if armed, ok := r.active[kind]; ok {
		armed.timer.Stop()
		delete(r.active, kind)
	}
}

// reset cancels everything and hands the registry to a new owner.
func (r *timerRegistry) reset(owner liveness.Identity) {
	for kind := range r.active {
		r.Cancel(kind)
	}
	r.owner = owner
}

func (r *timerRegistry) take(owner liveness.Identity, kind TimerKind, seq uint64) bool {
	if owner != r.owner {
		return false
	}
	armed, ok := r.active[kind]
	if !ok || armed.seq != seq {
		return false
	}
	delete(r.active, kind)
	return true
}

func (r *timerRegistry) armed(kind TimerKind) bool {
	_, ok := r.active[kind]
	return ok
}

func (r *timerRegistry) len() int {
	return len(r.active)
}
