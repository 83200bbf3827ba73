package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	devices "powerverter-monitor/internal/devices/domain"
	liveness "powerverter-monitor/internal/liveness/domain"
	telemetry "powerverter-monitor/internal/telemetry/domain"
)

// ErrSessionClosed is returned by a closed session.
var ErrSessionClosed = errors.New("liveness: session closed")

// Listener observes rendered snapshots. It runs while the session lock is
// held and must not call back into the session.
type Listener func(liveness.Snapshot)

// SessionDeps are the collaborators of a monitoring session. Push, Samples
// and DataLog are optional.
type SessionDeps struct {
	Store    devices.Store
	Push     PushChannel
	Samples  telemetry.LatestSampleReader
	DataLog  telemetry.SampleLogger
	Recorder Recorder
	Clock    Clock
	Logger   zerolog.Logger
}

// Session monitors one device at a time on behalf of one viewer. Selecting
// another device tears down every timer, subscription and piece of evidence
// of the previous one before the new identity accepts anything.
type Session struct {
	id         string
	thresholds liveness.Thresholds
	store      devices.Store
	pushCh     PushChannel
	samples    telemetry.LatestSampleReader
	dataLog    telemetry.SampleLogger
	recorder   Recorder
	clock      Clock
	logger     zerolog.Logger
	listener   Listener

	mu             sync.Mutex
	closed         bool
	guard          identityGuard
	timers         *timerRegistry
	rec            *Reconciler
	systemID       string
	sub            Subscription
	subSeq         uint64
	pushSentinel   sentinelTracker
	directSentinel sentinelTracker
	lastLogged     string
	retry          *backoff.ExponentialBackOff
	last           liveness.Snapshot
}

// NewSession constructs an idle session.
func NewSession(id string, thresholds liveness.Thresholds, deps SessionDeps, listener Listener) (*Session, error) {
	if deps.Store == nil {
		return nil, errors.New("liveness: nil device store")
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second

	s := &Session{
		id:         id,
		thresholds: thresholds,
		store:      deps.Store,
		pushCh:     deps.Push,
		samples:    deps.Samples,
		dataLog:    deps.DataLog,
		recorder:   deps.Recorder,
		clock:      deps.Clock,
		logger:     deps.Logger.With().Str("component", "liveness").Str("session_id", id).Logger(),
		listener:   listener,
		retry:      retry,
	}
	s.timers = newTimerRegistry(deps.Clock, s.onTimer)
	s.rec = NewReconciler(thresholds, s.timers)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Select starts monitoring deviceID, discarding all state of the previous
// device. The returned identity tags everything started for deviceID.
func (s *Session) Select(deviceID string) (liveness.Identity, error) {
	if deviceID == "" {
		return liveness.Identity{}, errors.New("liveness: empty device id")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return liveness.Identity{}, ErrSessionClosed
	}
	sub := s.teardownLocked()
	id, _ := s.guard.switchTo(deviceID)
	s.timers.reset(id)
	s.timers.Arm(TimerResolve, 0)
	s.timers.Arm(TimerPoll, 0)
	s.timers.Arm(TimerCheck, s.thresholds.CheckInterval)
	s.notifyLocked()
	s.mu.Unlock()

	closeSubscription(s.logger, sub)
	s.logger.Info().Str("device_id", deviceID).Uint64("epoch", id.Epoch).Msg("monitoring device")
	return id, nil
}

// Snapshot returns the current rendered status.
func (s *Session) Snapshot() liveness.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SupplySample feeds a raw record fetched by the caller into the
// direct-sample leg. Samples arriving before a device is selected, or for a
// device other than the selected one, are dropped with ErrStaleIdentity.
func (s *Session) SupplySample(deviceID, raw string) error {
	reading, parseErr := telemetry.Parse(raw)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.guard.active(s.guard.current) || s.guard.current.DeviceID != deviceID {
		s.mu.Unlock()
		s.recorder.Evidence(liveness.EvidenceTelemetrySample, ResultStale)
		return liveness.ErrStaleIdentity
	}
	if parseErr != nil {
		s.mu.Unlock()
		s.recorder.Evidence(liveness.EvidenceTelemetrySample, ResultParseError)
		return parseErr
	}
	sample := s.sentinelLocked(&s.directSentinel, liveness.EvidenceTelemetrySample, reading)
	ctx := s.guard.context()
	s.mu.Unlock()

	s.logSample(ctx, sample)
	return nil
}

// Close stops monitoring. A closed session cannot be reused.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.teardownLocked()
	s.mu.Unlock()
	closeSubscription(s.logger, sub)
}

// teardownLocked discards everything belonging to the active identity and
// returns the push subscription for the caller to close outside the lock.
func (s *Session) teardownLocked() Subscription {
	s.rec.Reset()
	s.guard.retire()
	s.timers.reset(liveness.Identity{})
	s.pushSentinel.reset()
	s.directSentinel.reset()
	s.lastLogged = ""
	s.systemID = ""
	s.retry.Reset()
	sub := s.sub
	s.sub = nil
	return sub
}

func (s *Session) onTimer(owner liveness.Identity, kind TimerKind, seq uint64) {
	s.mu.Lock()
	if s.closed || !s.guard.active(owner) || !s.timers.take(owner, kind, seq) {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	switch kind {
	case TimerConfirm:
		s.applyLocked(s.rec.ConfirmExpired(now))
	case TimerHoldDown:
		s.applyLocked(s.rec.HoldDownExpired(now))
	case TimerCheck:
		s.applyLocked(s.rec.CheckStaleness(now))
		s.timers.Arm(TimerCheck, s.thresholds.CheckInterval)
	default:
		if kind == TimerSubscribe {
			s.pushSentinel.reset()
		}
		ctx, systemID := s.guard.context(), s.systemID
		s.mu.Unlock()
		s.fetch(ctx, owner, kind, systemID)
		return
	}
	s.mu.Unlock()
}

// fetch runs the I/O leg of a timer without holding the lock.
func (s *Session) fetch(ctx context.Context, id liveness.Identity, kind TimerKind, systemID string) {
	switch kind {
	case TimerResolve:
		s.resolve(ctx, id)
	case TimerPoll:
		s.poll(ctx, id)
	case TimerSample:
		s.pullSample(ctx, id, systemID)
	case TimerSubscribe:
		s.subscribe(ctx, id, systemID)
	}
}

func (s *Session) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.thresholds.FetchTimeout > 0 {
		return context.WithTimeout(ctx, s.thresholds.FetchTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Session) resolve(ctx context.Context, id liveness.Identity) {
	fctx, cancel := s.fetchContext(ctx)
	meta, err := s.store.GetDeviceMeta(fctx, id.DeviceID)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.guard.active(id) {
		s.recorder.Evidence(liveness.EvidencePolledTimestamp, ResultStale)
		return
	}
	if err != nil {
		s.recorder.StoreError("device_meta")
		s.logger.Warn().Err(errors.Join(liveness.ErrStoreUnavailable, err)).Str("device_id", id.DeviceID).Msg("resolve device failed")
		s.timers.Arm(TimerResolve, s.thresholds.PollInterval)
		return
	}
	if meta.LastSeen != nil {
		s.observeLocked(liveness.Evidence{Kind: liveness.EvidencePolledTimestamp, LastSeen: *meta.LastSeen})
	}
	if meta.SystemID == "" {
		s.timers.Arm(TimerResolve, s.thresholds.PollInterval)
		return
	}
	s.systemID = meta.SystemID
	if s.pushCh != nil {
		s.timers.Arm(TimerSubscribe, 0)
	}
	if s.samples != nil && s.thresholds.SampleInterval > 0 {
		s.timers.Arm(TimerSample, 0)
	}
	s.notifyLocked()
	s.logger.Debug().Str("device_id", id.DeviceID).Str("system_id", meta.SystemID).Msg("device resolved")
}

func (s *Session) poll(ctx context.Context, id liveness.Identity) {
	fctx, cancel := s.fetchContext(ctx)
	lastSeen, err := s.store.GetLastSeen(fctx, id.DeviceID)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.guard.active(id) {
		s.recorder.Evidence(liveness.EvidencePolledTimestamp, ResultStale)
		return
	}
	s.timers.Arm(TimerPoll, s.thresholds.PollInterval)
	if err != nil {
		s.recorder.StoreError("last_seen")
		s.logger.Warn().Err(errors.Join(liveness.ErrStoreUnavailable, err)).Str("device_id", id.DeviceID).Msg("poll last seen failed")
		return
	}
	if lastSeen == nil {
		return
	}
	s.observeLocked(liveness.Evidence{Kind: liveness.EvidencePolledTimestamp, LastSeen: *lastSeen})
}

func (s *Session) pullSample(ctx context.Context, id liveness.Identity, systemID string) {
	fctx, cancel := s.fetchContext(ctx)
	raw, ok, err := s.samples.LatestSample(fctx, systemID)
	cancel()

	s.mu.Lock()
	if !s.guard.active(id) {
		s.mu.Unlock()
		s.recorder.Evidence(liveness.EvidenceTelemetrySample, ResultStale)
		return
	}
	s.timers.Arm(TimerSample, s.thresholds.SampleInterval)
	if err != nil {
		s.mu.Unlock()
		s.recorder.StoreError("latest_sample")
		s.logger.Warn().Err(errors.Join(liveness.ErrStoreUnavailable, err)).Str("system_id", systemID).Msg("pull sample failed")
		return
	}
	if !ok {
		s.mu.Unlock()
		return
	}
	reading, parseErr := telemetry.Parse(raw)
	if parseErr != nil {
		s.mu.Unlock()
		s.recorder.Evidence(liveness.EvidenceTelemetrySample, ResultParseError)
		s.logger.Debug().Err(parseErr).Str("system_id", systemID).Msg("discarding malformed sample")
		return
	}
	sample := s.sentinelLocked(&s.directSentinel, liveness.EvidenceTelemetrySample, reading)
	s.mu.Unlock()

	s.logSample(ctx, sample)
}

func (s *Session) subscribe(ctx context.Context, id liveness.Identity, systemID string) {
	s.mu.Lock()
	s.subSeq++
	seq := s.subSeq
	s.mu.Unlock()

	sub, err := s.pushCh.Subscribe(ctx, systemID, s.pushHandler(id, seq))

	s.mu.Lock()
	if !s.guard.active(id) || seq != s.subSeq {
		s.mu.Unlock()
		closeSubscription(s.logger, sub)
		return
	}
	if err != nil {
		delay := s.retry.NextBackOff()
		s.timers.Arm(TimerSubscribe, delay)
		s.mu.Unlock()
		s.recorder.ChannelError()
		s.logger.Warn().Err(errors.Join(liveness.ErrChannel, err)).Str("system_id", systemID).Dur("retry_in", delay).Msg("push subscribe failed")
		return
	}
	previous := s.sub
	s.sub = sub
	s.retry.Reset()
	s.mu.Unlock()
	closeSubscription(s.logger, previous)
	s.logger.Debug().Str("system_id", systemID).Msg("push subscribed")
}

// pushHandler binds callbacks to one subscription attempt. seq retires the
// callbacks of earlier subscriptions of the same identity.
func (s *Session) pushHandler(id liveness.Identity, seq uint64) PushHandler {
	return PushHandler{
		OnSubscribed: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.guard.active(id) {
				s.pushSentinel.reset()
			}
		},
		OnPayload: func(payload []byte) {
			s.handlePush(id, payload)
		},
		OnError: func(err error) {
			s.handleChannelError(id, seq, err)
		},
	}
}

func (s *Session) handlePush(id liveness.Identity, payload []byte) {
	reading, parseErr := decodePushPayload(payload)

	s.mu.Lock()
	if !s.guard.active(id) {
		s.mu.Unlock()
		s.recorder.Evidence(liveness.EvidencePushUpdate, ResultStale)
		return
	}
	if parseErr != nil {
		s.mu.Unlock()
		s.recorder.Evidence(liveness.EvidencePushUpdate, ResultParseError)
		s.logger.Debug().Err(parseErr).Str("device_id", id.DeviceID).Msg("discarding malformed push payload")
		return
	}
	sample := s.sentinelLocked(&s.pushSentinel, liveness.EvidencePushUpdate, reading)
	ctx := s.guard.context()
	s.mu.Unlock()

	s.logSample(ctx, sample)
}

func (s *Session) handleChannelError(id liveness.Identity, seq uint64, err error) {
	s.mu.Lock()
	if !s.guard.active(id) || seq != s.subSeq {
		s.mu.Unlock()
		return
	}
	s.subSeq++
	sub := s.sub
	s.sub = nil
	delay := s.retry.NextBackOff()
	s.timers.Arm(TimerSubscribe, delay)
	s.mu.Unlock()

	s.recorder.ChannelError()
	s.logger.Warn().Err(errors.Join(liveness.ErrChannel, err)).Str("device_id", id.DeviceID).Dur("retry_in", delay).Msg("push channel broken")
	closeSubscription(s.logger, sub)
}

// sentinelLocked gates a sentinel observation and returns the sample to
// hand to the data logger, if any.
func (s *Session) sentinelLocked(tracker *sentinelTracker, kind liveness.EvidenceKind, reading telemetry.Reading) *telemetry.Sample {
	changed, first := tracker.observe(reading.Sentinel)
	if first {
		s.recorder.Evidence(kind, ResultIgnoredFirst)
		return nil
	}
	if !changed {
		s.recorder.Evidence(kind, ResultUnchanged)
		return nil
	}
	s.observeLocked(liveness.Evidence{Kind: kind, Sentinel: reading.Sentinel})
	if s.dataLog == nil || reading.Sentinel == s.lastLogged {
		return nil
	}
	s.lastLogged = reading.Sentinel
	return &telemetry.Sample{SystemID: s.systemID, Reading: reading, ReceivedAt: s.clock.Now()}
}

func (s *Session) observeLocked(ev liveness.Evidence) {
	now := s.clock.Now()
	ev.Identity = s.guard.current
	ev.ReceivedAt = now
	s.recorder.Evidence(ev.Kind, ResultAccepted)
	s.applyLocked(s.rec.Observe(ev, now))
}

func (s *Session) applyLocked(tr Transition) {
	if tr.Changed() {
		s.recorder.Transition(tr.From, tr.To)
		s.logger.Info().
			Str("device_id", s.guard.current.DeviceID).
			Uint64("epoch", s.guard.current.Epoch).
			Str("from", string(tr.From)).
			Str("to", string(tr.To)).
			Msg("status transition")
	}
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	snap := s.snapshotLocked()
	if sameSnapshot(snap, s.last) {
		return
	}
	s.last = snap
	if s.listener != nil {
		s.listener(snap)
	}
}

func (s *Session) snapshotLocked() liveness.Snapshot {
	state := s.rec.State()
	return liveness.Snapshot{
		DeviceID: s.guard.current.DeviceID,
		Epoch:    s.guard.current.Epoch,
		Status:   state.Rendered(),
		State:    state,
		LastSeen: s.rec.LastObservedAt(),
		SystemID: s.systemID,
	}
}

func (s *Session) logSample(ctx context.Context, sample *telemetry.Sample) {
	if sample == nil || s.dataLog == nil {
		return
	}
	if err := s.dataLog.LogSample(ctx, *sample); err != nil {
		s.logger.Warn().Err(err).Str("system_id", sample.SystemID).Str("sentinel", sample.Reading.Sentinel).Msg("log sample failed")
	}
}

func sameSnapshot(a, b liveness.Snapshot) bool {
	if a.DeviceID != b.DeviceID || a.Epoch != b.Epoch || a.Status != b.Status || a.State != b.State || a.SystemID != b.SystemID {
		return false
	}
	if (a.LastSeen == nil) != (b.LastSeen == nil) {
		return false
	}
	return a.LastSeen == nil || a.LastSeen.Equal(*b.LastSeen)
}

func closeSubscription(logger zerolog.Logger, sub Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		logger.Debug().Err(err).Msg("close push subscription")
	}
}
