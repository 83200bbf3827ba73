package application

import (
	"time"

	liveness "powerverter-monitor/internal/liveness/domain"
)

// Transition describes the effect of one reconciler step.
type Transition struct {
	From liveness.Status
	To   liveness.Status
}

// Changed reports whether the internal state moved.
func (t Transition) Changed() bool { return t.From != t.To }

// Reconciler turns evidence into a debounced status. It is not safe for
// concurrent use; the owning session serializes calls and routes the timers
// it arms back into ConfirmExpired and HoldDownExpired.
type Reconciler struct {
	thresholds liveness.Thresholds
	timers     Timers

	state          liveness.Status
	lastObservedAt time.Time
	confirming     bool
	holdingDown    bool
}

// NewReconciler constructs a reconciler in the Unknown state.
func NewReconciler(thresholds liveness.Thresholds, timers Timers) *Reconciler {
	return &Reconciler{
		thresholds: thresholds,
		timers:     timers,
		state:      liveness.StatusUnknown,
	}
}

// State returns the internal state.
func (r *Reconciler) State() liveness.Status { return r.state }

// LastObservedAt returns the freshest activity time seen, or nil.
func (r *Reconciler) LastObservedAt() *time.Time {
	if r.lastObservedAt.IsZero() {
		return nil
	}
	at := r.lastObservedAt
	return &at
}

// Observe applies one evidence event received at now.
func (r *Reconciler) Observe(ev liveness.Evidence, now time.Time) Transition {
	from := r.state
	activity := ev.ActivityAt()
	if activity.After(r.lastObservedAt) {
		r.lastObservedAt = activity
	}

	if now.Sub(activity) > r.thresholds.OfflineThreshold {
		// Only a stored timestamp can be this old. It tells us when the
		// device was last active but is no sign of life.
		if r.state == liveness.StatusUnknown {
			r.state = liveness.StatusOffline
		}
		return Transition{From: from, To: r.state}
	}

	switch r.state {
	case liveness.StatusUnknown, liveness.StatusOffline:
		if !r.confirming {
			r.confirming = true
			r.timers.Arm(TimerConfirm, r.thresholds.ConfirmDelay)
		}
	case liveness.StatusOnline:
		r.cancelHoldDown()
	case liveness.StatusPendingOffline:
		r.cancelHoldDown()
		r.state = liveness.StatusOnline
	}
	return Transition{From: from, To: r.state}
}

// ConfirmExpired settles a pending confirmation.
func (r *Reconciler) ConfirmExpired(now time.Time) Transition {
	from := r.state
	r.confirming = false
	if r.state != liveness.StatusUnknown && r.state != liveness.StatusOffline {
		return Transition{From: from, To: r.state}
	}
	if r.fresh(now) {
		r.state = liveness.StatusOnline
	} else {
		r.state = liveness.StatusOffline
	}
	return Transition{From: from, To: r.state}
}

// CheckStaleness runs the periodic staleness check.
func (r *Reconciler) CheckStaleness(now time.Time) Transition {
	from := r.state
	if r.state == liveness.StatusOnline && !r.fresh(now) {
		r.state = liveness.StatusPendingOffline
		r.holdingDown = true
		r.timers.Arm(TimerHoldDown, r.thresholds.HoldDown)
	}
	return Transition{From: from, To: r.state}
}

// HoldDownExpired downgrades a pending device to offline.
func (r *Reconciler) HoldDownExpired(_ time.Time) Transition {
	from := r.state
	r.holdingDown = false
	if r.state == liveness.StatusPendingOffline {
		r.state = liveness.StatusOffline
	}
	return Transition{From: from, To: r.state}
}

// Reset discards all state and cancels the reconciler's timers.
func (r *Reconciler) Reset() {
	r.timers.Cancel(TimerConfirm)
	r.cancelHoldDown()
	r.confirming = false
	r.state = liveness.StatusUnknown
	r.lastObservedAt = time.Time{}
}

func (r *Reconciler) cancelHoldDown() {
	if r.holdingDown {
		r.timers.Cancel(TimerHoldDown)
		r.holdingDown = false
	}
}

func (r *Reconciler) fresh(now time.Time) bool {
	return !r.lastObservedAt.IsZero() && now.Sub(r.lastObservedAt) <= r.thresholds.OfflineThreshold
}
