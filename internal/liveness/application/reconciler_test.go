package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	liveness "powerverter-monitor/internal/liveness/domain"
)

type recordingTimers struct {
	armed     map[TimerKind]time.Duration
	armCount  map[TimerKind]int
	cancelled map[TimerKind]int
}

func newRecordingTimers() *recordingTimers {
	return &recordingTimers{
		armed:     make(map[TimerKind]time.Duration),
		armCount:  make(map[TimerKind]int),
		cancelled: make(map[TimerKind]int),
	}
}

func (t *recordingTimers) Arm(kind TimerKind, d time.Duration) {
	t.armed[kind] = d
	t.armCount[kind]++
}

func (t *recordingTimers) Cancel(kind TimerKind) {
	if _, ok := t.armed[kind]; ok {
		t.cancelled[kind]++
	}
	delete(t.armed, kind)
}

func (t *recordingTimers) isArmed(kind TimerKind) bool {
	_, ok := t.armed[kind]
	return ok
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pushAt(at time.Time) liveness.Evidence {
	return liveness.Evidence{Kind: liveness.EvidencePushUpdate, ReceivedAt: at, Sentinel: "s"}
}

func polled(lastSeen, at time.Time) liveness.Evidence {
	return liveness.Evidence{Kind: liveness.EvidencePolledTimestamp, ReceivedAt: at, LastSeen: lastSeen}
}

func onlineReconciler(t *testing.T) (*Reconciler, *recordingTimers) {
	t.Helper()
	timers := newRecordingTimers()
	r := NewReconciler(liveness.DefaultThresholds(), timers)
	r.Observe(pushAt(t0), t0)
	tr := r.ConfirmExpired(t0.Add(3 * time.Second))
	require.Equal(t, liveness.StatusOnline, tr.To)
	delete(timers.armed, TimerConfirm)
	return r, timers
}

func TestReconcilerConfirmsBeforeOnline(t *testing.T) {
	timers := newRecordingTimers()
	r := NewReconciler(liveness.DefaultThresholds(), timers)

	tr := r.Observe(pushAt(t0), t0)
	require.False(t, tr.Changed())
	require.Equal(t, liveness.StatusUnknown, r.State())
	require.Equal(t, 3*time.Second, timers.armed[TimerConfirm])

	r.Observe(pushAt(t0.Add(time.Second)), t0.Add(time.Second))
	require.Equal(t, 1, timers.armCount[TimerConfirm], "confirmation is armed once")

	tr = r.ConfirmExpired(t0.Add(3 * time.Second))
	require.Equal(t, Transition{From: liveness.StatusUnknown, To: liveness.StatusOnline}, tr)
	require.Equal(t, t0.Add(time.Second), *r.LastObservedAt())
}

func TestReconcilerStalePolledTimestampSettlesOffline(t *testing.T) {
	timers := newRecordingTimers()
	r := NewReconciler(liveness.DefaultThresholds(), timers)
	lastSeen := t0.Add(-5 * time.Minute)

	tr := r.Observe(polled(lastSeen, t0), t0)
	require.Equal(t, Transition{From: liveness.StatusUnknown, To: liveness.StatusOffline}, tr)
	require.False(t, timers.isArmed(TimerConfirm))
	require.Equal(t, lastSeen, *r.LastObservedAt())

	tr = r.Observe(polled(lastSeen, t0.Add(5*time.Second)), t0.Add(5*time.Second))
	require.False(t, tr.Changed())
	require.Equal(t, liveness.StatusOffline, r.State())
}

func TestReconcilerFreshPolledTimestampConfirms(t *testing.T) {
	timers := newRecordingTimers()
	r := NewReconciler(liveness.DefaultThresholds(), timers)

	r.Observe(polled(t0.Add(-2*time.Second), t0), t0)
	require.True(t, timers.isArmed(TimerConfirm))

	tr := r.ConfirmExpired(t0.Add(3 * time.Second))
	require.Equal(t, liveness.StatusOnline, tr.To)
}

func TestReconcilerConfirmExpiryWithStaleActivityIsOffline(t *testing.T) {
	timers := newRecordingTimers()
	r := NewReconciler(liveness.DefaultThresholds(), timers)

	r.Observe(polled(t0.Add(-14*time.Second), t0), t0)
	require.True(t, timers.isArmed(TimerConfirm))

	tr := r.ConfirmExpired(t0.Add(3 * time.Second))
	require.Equal(t, Transition{From: liveness.StatusUnknown, To: liveness.StatusOffline}, tr)
}

func TestReconcilerFutureTimestampIsClamped(t *testing.T) {
	r := NewReconciler(liveness.DefaultThresholds(), newRecordingTimers())

	r.Observe(polled(t0.Add(time.Hour), t0), t0)
	require.Equal(t, t0, *r.LastObservedAt())
}

func TestReconcilerHoldDownBeforeOffline(t *testing.T) {
	r, timers := onlineReconciler(t)

	tr := r.CheckStaleness(t0.Add(15 * time.Second))
	require.False(t, tr.Changed(), "exactly at the threshold the device is still fresh")

	tr = r.CheckStaleness(t0.Add(16 * time.Second))
	require.Equal(t, Transition{From: liveness.StatusOnline, To: liveness.StatusPendingOffline}, tr)
	require.Equal(t, liveness.StatusOnline, r.State().Rendered())
	require.Equal(t, 10*time.Second, timers.armed[TimerHoldDown])

	tr = r.CheckStaleness(t0.Add(17 * time.Second))
	require.False(t, tr.Changed())
	require.Equal(t, 1, timers.armCount[TimerHoldDown])

	tr = r.HoldDownExpired(t0.Add(26 * time.Second))
	require.Equal(t, Transition{From: liveness.StatusPendingOffline, To: liveness.StatusOffline}, tr)
	require.Equal(t, liveness.StatusOffline, r.State().Rendered())
}

func TestReconcilerEvidenceDuringHoldDownRecovers(t *testing.T) {
	r, timers := onlineReconciler(t)
	r.CheckStaleness(t0.Add(16 * time.Second))
	require.True(t, timers.isArmed(TimerHoldDown))

	at := t0.Add(20 * time.Second)
	tr := r.Observe(pushAt(at), at)
	require.Equal(t, Transition{From: liveness.StatusPendingOffline, To: liveness.StatusOnline}, tr)
	require.False(t, timers.isArmed(TimerHoldDown))
	require.Equal(t, 1, timers.cancelled[TimerHoldDown])
}

func TestReconcilerLateHoldDownIsIgnored(t *testing.T) {
	r, _ := onlineReconciler(t)

	tr := r.HoldDownExpired(t0.Add(5 * time.Second))
	require.False(t, tr.Changed())
	require.Equal(t, liveness.StatusOnline, r.State())
}

func TestReconcilerOfflineNeedsConfirmation(t *testing.T) {
	r, timers := onlineReconciler(t)
	r.CheckStaleness(t0.Add(16 * time.Second))
	r.HoldDownExpired(t0.Add(26 * time.Second))
	require.Equal(t, liveness.StatusOffline, r.State())

	at := t0.Add(30 * time.Second)
	tr := r.Observe(pushAt(at), at)
	require.False(t, tr.Changed())
	require.True(t, timers.isArmed(TimerConfirm))

	tr = r.ConfirmExpired(at.Add(3 * time.Second))
	require.Equal(t, Transition{From: liveness.StatusOffline, To: liveness.StatusOnline}, tr)
}

func TestReconcilerLastObservedNeverRegresses(t *testing.T) {
	r := NewReconciler(liveness.DefaultThresholds(), newRecordingTimers())

	r.Observe(pushAt(t0), t0)
	r.Observe(polled(t0.Add(-time.Minute), t0.Add(time.Second)), t0.Add(time.Second))
	require.Equal(t, t0, *r.LastObservedAt())
}

func TestReconcilerReset(t *testing.T) {
	r, timers := onlineReconciler(t)
	r.CheckStaleness(t0.Add(16 * time.Second))

	r.Reset()
	require.Equal(t, liveness.StatusUnknown, r.State())
	require.Nil(t, r.LastObservedAt())
	require.False(t, timers.isArmed(TimerHoldDown))
	require.False(t, timers.isArmed(TimerConfirm))
}
