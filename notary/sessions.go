package notary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"tlsnotary/mpctls"
	"tlsnotary/shared"
)

// cleanupInterval is how often the reaper scans for expired sessions.
const cleanupInterval = 30 * time.Second

// Session binds one notarization run to its side-channel connection.
// Each WebSocket connection carries exactly one session.
type Session struct {
	ID     string
	Engine *mpctls.NotaryEngine
	Conn   *shared.WSConnection
	Seq    *shared.EnvelopeSequencer

	CreatedAt    time.Time
	lastActiveAt time.Time
	mutex        sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// Touch marks the session as active now.
func (s *Session) Touch(now time.Time) {
	s.mutex.Lock()
	s.lastActiveAt = now
	s.mutex.Unlock()
}

// LastActiveAt returns the time of the most recent activity.
func (s *Session) LastActiveAt() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastActiveAt
}

// Context returns the per-session context. It is cancelled when the
// session is closed or reaped.
func (s *Session) Context() context.Context {
	return s.ctx
}

// SessionManager tracks active sessions and reaps the ones idle past
// the configured timeout.
type SessionManager struct {
	sessions map[string]*Session
	mutex    sync.Mutex

	clock   clockwork.Clock
	timeout time.Duration
	logger  *zap.Logger

	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// NewSessionManager creates a session manager. The clock is injectable
// so tests can control time.
func NewSessionManager(timeout time.Duration, clock clockwork.Clock, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		clock:       clock,
		timeout:     timeout,
		logger:      logger,
		cleanupDone: make(chan struct{}),
	}
}

// CreateSession registers a new session for the given connection. The
// session id is a fresh UUID, assigned to the engine before it is built.
func (m *SessionManager) CreateSession(conn *shared.WSConnection, seq *shared.EnvelopeSequencer, engineCfg mpctls.NotaryEngineConfig) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	engineCfg.SessionID = id.String()

	ctx, cancel := context.WithCancel(context.Background())
	now := m.clock.Now()
	session := &Session{
		ID:           id.String(),
		Engine:       mpctls.NewNotaryEngine(engineCfg),
		Conn:         conn,
		Seq:          seq,
		CreatedAt:    now,
		lastActiveAt: now,
		ctx:          ctx,
		cancel:       cancel,
	}

	m.mutex.Lock()
	m.sessions[session.ID] = session
	m.mutex.Unlock()

	m.logger.Info("Created session", zap.String("session_id", session.ID))
	return session, nil
}

// GetSession returns the session with the given id.
func (m *SessionManager) GetSession(sessionID string) (*Session, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return session, nil
}

// CloseSession cancels the session context, drops the engine state, and
// removes the session from the registry.
func (m *SessionManager) CloseSession(sessionID string) {
	m.mutex.Lock()
	session, exists := m.sessions[sessionID]
	if exists {
		delete(m.sessions, sessionID)
	}
	m.mutex.Unlock()

	if !exists {
		return
	}

	session.cancel()
	if session.Engine.State() != shared.StateClosed {
		session.Engine.Fail("session closed")
	}
	m.logger.Info("Closed session", zap.String("session_id", sessionID))
}

// Count returns the number of active sessions.
func (m *SessionManager) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sessions)
}

// StartCleanupRoutine launches the background reaper for idle sessions.
func (m *SessionManager) StartCleanupRoutine() {
	ticker := m.clock.NewTicker(cleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				m.cleanupExpiredSessions()
			case <-m.cleanupDone:
				return
			}
		}
	}()
}

// cleanupExpiredSessions reaps sessions idle past the timeout. The
// connection is closed so the read loop unblocks and tears down.
func (m *SessionManager) cleanupExpiredSessions() {
	now := m.clock.Now()

	m.mutex.Lock()
	var expired []*Session
	for id, session := range m.sessions {
		if now.Sub(session.LastActiveAt()) > m.timeout {
			expired = append(expired, session)
			delete(m.sessions, id)
		}
	}
	m.mutex.Unlock()

	for _, session := range expired {
		m.logger.Info("Reaping expired session",
			zap.String("session_id", session.ID),
			zap.Duration("idle", now.Sub(session.LastActiveAt())))
		session.cancel()
		if !session.Engine.State().Terminal() {
			session.Engine.Fail("session timeout")
		}
		if session.Conn != nil {
			session.Conn.Close()
		}
	}
}

// Stop halts the cleanup routine and closes all remaining sessions.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.cleanupDone)
	})

	m.mutex.Lock()
	remaining := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		remaining = append(remaining, session)
		delete(m.sessions, id)
	}
	m.mutex.Unlock()

	for _, session := range remaining {
		session.cancel()
		if !session.Engine.State().Terminal() {
			session.Engine.Fail("notary shutdown")
		}
		if session.Conn != nil {
			session.Conn.Close()
		}
	}
}
