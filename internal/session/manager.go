package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/knowsyash/audio-analyzer/internal/metrics"
)

// ErrTooManySessions is returned when the session limit is reached
var ErrTooManySessions = errors.New("too many active sessions")

const defaultCleanupInterval = 30 * time.Second

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Session         Config
	MaxSessions     int           // 0 means unlimited
	IdleTimeout     time.Duration // 0 disables idle cleanup
	CleanupInterval time.Duration
}

// Manager tracks active sessions for monitoring, enforces the session limit
// and closes idle sessions. Sessions share nothing else.
type Manager struct {
	sessions   map[string]*Session
	mu         sync.RWMutex
	logger     *slog.Logger
	metrics    *metrics.Metrics
	classifier Classifier
	config     ManagerConfig

	running sync.WaitGroup

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, classifier Classifier, config ManagerConfig, m *metrics.Metrics) (*Manager, error) {
	if classifier == nil {
		return nil, errors.New("classifier cannot be nil")
	}

	if config.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions cannot be negative, got %d", config.MaxSessions)
	}

	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}

	config.Session.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:   make(map[string]*Session),
		logger:     logger.With(slog.String("component", "session_manager")),
		metrics:    m,
		classifier: classifier,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Full reports whether a new session would exceed the limit
func (m *Manager) Full() bool {
	if m.config.MaxSessions == 0 {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) >= m.config.MaxSessions
}

// Open creates and registers a session for an accepted connection
func (m *Manager) Open(conn Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, errors.New("session manager stopped")
	}

	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		if m.metrics != nil {
			m.metrics.RecordSessionRejected()
		}
		return nil, ErrTooManySessions
	}

	session, err := New(uuid.NewString(), conn, m.classifier, m.config.Session, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}

	m.sessions[session.ID] = session
	m.running.Add(1)

	if m.metrics != nil {
		m.metrics.RecordSessionOpened()
	}

	m.logger.Info("Created new session",
		slog.String("session_id", session.ID),
		slog.String("remote_addr", session.RemoteAddr),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return session, nil
}

// Run drives an opened session to completion and removes it afterwards
func (m *Manager) Run(session *Session) error {
	defer m.running.Done()
	defer m.remove(session)

	return session.Run(m.ctx)
}

// Serve opens a session for conn and runs it to completion
func (m *Manager) Serve(conn Conn) error {
	session, err := m.Open(conn)
	if err != nil {
		return err
	}
	return m.Run(session)
}

func (m *Manager) remove(session *Session) {
	m.mu.Lock()
	delete(m.sessions, session.ID)
	remaining := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSessionClosed(time.Since(session.StartTime).Seconds())
	}

	m.logger.Info("Session removed",
		slog.String("session_id", session.ID),
		slog.Duration("total_duration", time.Since(session.StartTime)),
		slog.Int("active_sessions", remaining),
	)
}

// GetSession retrieves an active session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions (for monitoring)
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// Stop closes every session with a going-away frame and waits for them to
// finish or for ctx to expire
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("Stopping session manager...",
		slog.Int("active_sessions", m.GetActiveSessionCount()),
	)

	// Cancelling the manager context shuts every running session down
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	<-m.cleanup

	finished := make(chan struct{})
	go func() {
		m.running.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		m.logger.Info("Session manager stopped")
		return nil
	case <-ctx.Done():
		remaining := m.GetActiveSessionCount()
		m.logger.Warn("Session manager stop timed out", slog.Int("remaining_sessions", remaining))
		return fmt.Errorf("%d sessions still running: %w", remaining, ctx.Err())
	}
}

// startCleanupRoutine periodically closes sessions without recent fragments
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.config.IdleTimeout <= 0 {
		<-m.ctx.Done()
		return
	}

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions shuts down sessions that have been idle for too long
func (m *Manager) cleanupIdleSessions() {
	now := time.Now()
	var idle []*Session

	m.mu.RLock()
	for _, session := range m.sessions {
		if now.Sub(session.LastActivity()) > m.config.IdleTimeout {
			idle = append(idle, session)
		}
	}
	m.mu.RUnlock()

	if len(idle) == 0 {
		return
	}

	m.logger.Info("Closing idle sessions", slog.Int("idle_count", len(idle)))

	for _, session := range idle {
		session.Shutdown(websocket.ClosePolicyViolation, "idle timeout")
	}
}
