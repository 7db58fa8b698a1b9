// Package sessions keeps track of the debug sessions served by rdebug.
//
// Each session owns a debug.Session, the transport it runs on and, for
// launched sessions, the spawned runtime host. Sessions idle for longer
// than the configured timeout are terminated by a background loop.
package sessions

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctagard/rdebug/internal/debug"
	"github.com/ctagard/rdebug/internal/errors"
	"github.com/ctagard/rdebug/pkg/types"
)

// Transport is the part of a runtime connection the manager needs to own
type Transport interface {
	Close() error
	Done() <-chan struct{}
}

// Host is a spawned runtime host
type Host interface {
	Kill() error
}

// Connection is everything a session runs on
type Connection struct {
	Debug     *debug.Session
	Transport Transport
	// Host is nil for sessions connected to an existing runtime
	Host    Host
	Address string
	PID     int
}

// Session represents an active debug session
type Session struct {
	ID        string
	Script    string
	CreatedAt time.Time

	mu           sync.RWMutex
	status       types.SessionStatus
	lastActivity time.Time
	conn         Connection
	unsubscribe  func()
}

// Debug returns the session's debug controller, nil until attached
func (s *Session) Debug() *debug.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.Debug
}

// Status returns the current session status
func (s *Session) Status() types.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(status types.SessionStatus) {
	s.mu.Lock()
	if s.status != types.SessionStatusTerminated {
		s.status = status
	}
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Done is closed once the session's runtime connection is gone
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn.Transport == nil {
		return nil
	}
	return s.conn.Transport.Done()
}

// GetInfo returns session info for a session
func (s *Session) GetInfo() types.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return types.SessionInfo{
		SessionID:    s.ID,
		Status:       s.status,
		Address:      s.conn.Address,
		PID:          s.conn.PID,
		Script:       s.Script,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

// Manager manages multiple debug sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	maxSessions    int
	sessionTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a session manager and starts its cleanup loop
func NewManager(maxSessions int, sessionTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		sessions:       make(map[string]*Session),
		maxSessions:    maxSessions,
		sessionTimeout: sessionTimeout,
		logger:         logger,
		now:            time.Now,
		done:           make(chan struct{}),
	}

	if sessionTimeout > 0 {
		go m.cleanupLoop(cleanupInterval(sessionTimeout))
	}

	return m
}

func cleanupInterval(timeout time.Duration) time.Duration {
	interval := timeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// cleanupLoop periodically cleans up idle sessions
func (m *Manager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions terminates sessions idle for longer than the timeout
func (m *Manager) cleanupExpiredSessions() {
	now := m.now()

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		s.mu.RLock()
		idle := now.Sub(s.lastActivity)
		s.mu.RUnlock()
		if idle > m.sessionTimeout {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("terminating idle session", "session", s.ID)
		m.terminate(s)
	}
}

// CreateSession reserves a session slot. The session has no connection
// until Attach is called.
func (m *Manager) CreateSession(script string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, errors.SessionLimitReached(m.maxSessions)
	}

	now := m.now()
	s := &Session{
		ID:           uuid.New().String(),
		Script:       script,
		CreatedAt:    now,
		status:       types.SessionStatusInitializing,
		lastActivity: now,
	}
	m.sessions[s.ID] = s
	return s, nil
}

// Attach binds a connection to a reserved session and starts tracking the
// runtime's state through session events
func (m *Manager) Attach(id string, conn Connection) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	unsubscribe := conn.Debug.Subscribe(func(ev debug.Event) {
		switch ev.Kind {
		case debug.EventPaused:
			s.setStatus(types.SessionStatusStopped)
		case debug.EventResumed:
			s.setStatus(types.SessionStatusRunning)
		}
	})

	s.mu.Lock()
	s.conn = conn
	s.unsubscribe = unsubscribe
	s.status = types.SessionStatusRunning
	s.mu.Unlock()

	if conn.Transport != nil {
		go m.watchTransport(s, conn.Transport)
	}
	return nil
}

// watchTransport drops the session once its runtime connection is gone
func (m *Manager) watchTransport(s *Session, t Transport) {
	select {
	case <-t.Done():
	case <-m.done:
		return
	}

	m.mu.Lock()
	_, ok := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if ok {
		m.logger.Warn("runtime connection lost, terminating session", "session", s.ID)
		m.terminate(s)
	}
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return s, nil
}

// GetSession retrieves a session by ID and marks it active
func (m *Manager) GetSession(id string) (*Session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.touch(m.now())
	return s, nil
}

// ListSessions returns all sessions, oldest first
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// TerminateSession terminates a session and cleans up resources
func (m *Manager) TerminateSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return errors.SessionNotFound(id)
	}
	m.terminate(s)
	return nil
}

func (m *Manager) terminate(s *Session) {
	s.mu.Lock()
	conn := s.conn
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.status = types.SessionStatusTerminated
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if conn.Debug != nil {
		if err := conn.Debug.Close(); err != nil {
			m.logger.Warn("failed to close debug session", "session", s.ID, "error", err)
		}
	}
	if conn.Transport != nil {
		if err := conn.Transport.Close(); err != nil {
			m.logger.Debug("failed to close runtime connection", "session", s.ID, "error", err)
		}
	}
	if conn.Host != nil {
		if err := conn.Host.Kill(); err != nil {
			m.logger.Warn("failed to kill runtime host", "session", s.ID, "pid", conn.PID, "error", err)
		}
	}
}

// Close shuts down the manager and terminates every session
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		all := make([]*Session, 0, len(m.sessions))
		for id, s := range m.sessions {
			all = append(all, s)
			delete(m.sessions, id)
		}
		m.mu.Unlock()

		for _, s := range all {
			m.terminate(s)
		}
	})
}
