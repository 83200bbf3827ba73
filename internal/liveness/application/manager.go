package application

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	liveness "powerverter-monitor/internal/liveness/domain"
)

// Manager creates monitoring sessions that share collaborators and
// thresholds, and closes them on shutdown.
type Manager struct {
	deps       SessionDeps
	thresholds liveness.Thresholds

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a session manager.
func NewManager(deps SessionDeps, thresholds liveness.Thresholds) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("liveness: nil device store")
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	return &Manager{
		deps:       deps,
		thresholds: thresholds,
		sessions:   make(map[string]*Session),
	}, nil
}

// Open starts a new idle session.
func (m *Manager) Open(listener Listener) (*Session, error) {
	s, err := NewSession(uuid.NewString(), m.thresholds, m.deps, listener)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.deps.Recorder.Sessions(1)
	return s, nil
}

// Release closes a session and forgets it.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	_, ok := m.sessions[s.ID()]
	delete(m.sessions, s.ID())
	m.mu.Unlock()
	s.Close()
	if ok {
		m.deps.Recorder.Sessions(-1)
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
		m.deps.Recorder.Sessions(-1)
	}
}
