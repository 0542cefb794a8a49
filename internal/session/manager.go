// Package session tracks authenticated client sessions and their
// concurrency budgets.
package session

import (
	"context"
	"crypto/subtle"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/toolgate/backend/internal/config"
	"github.com/toolgate/backend/internal/protocol"
)

// Session is one authenticated client connection's state.
type Session struct {
	ID         string
	ClientInfo string
	CreatedAt  time.Time
	LastSeen   time.Time

	// gate bounds in-flight tool calls for this session.
	gate *semaphore.Weighted
}

// Manager owns the session table. Thread safe.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg    config.SessionConfig
	token  string
	logger *log.Logger
}

// NewManager creates a session manager.
func NewManager(cfg config.SessionConfig, authToken string) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		token:    authToken,
		logger:   log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
	}
}

// Open authenticates a client and creates its session. The bearer token
// comparison is constant time. When no token is configured the gateway
// accepts any client.
func (m *Manager) Open(authToken, clientInfo string) (*Session, error) {
	if m.token != "" {
		if subtle.ConstantTimeCompare([]byte(authToken), []byte(m.token)) != 1 {
			return nil, protocol.E(protocol.KindAuthFailed, "invalid bearer token")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxConcurrent > 0 && len(m.sessions) >= m.cfg.MaxConcurrent {
		return nil, protocol.E(protocol.KindBusy, "session limit reached (%d)", m.cfg.MaxConcurrent)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:         protocol.NewID(),
		ClientInfo: clientInfo,
		CreatedAt:  now,
		LastSeen:   now,
		gate:       semaphore.NewWeighted(m.cfg.ConcurrencyMax),
	}
	m.sessions[s.ID] = s
	m.logger.Printf("session %s opened (client=%q, active=%d)", s.ID, clientInfo, len(m.sessions))
	return s, nil
}

// Get returns a live session and bumps its last-seen time.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	s.LastSeen = time.Now().UTC()
	m.mu.Unlock()
	return s, true
}

// Touch refreshes a session's idle timer.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.LastSeen = time.Now().UTC()
	}
	m.mu.Unlock()
}

// Close removes a session. In-flight calls keep their acquired slots.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.logger.Printf("session %s closed (active=%d)", id, len(m.sessions))
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Acquire reserves one tool-call slot for the session without blocking.
// A full session fails fast with Busy so the client can back off.
func (s *Session) Acquire() error {
	if !s.gate.TryAcquire(1) {
		return protocol.E(protocol.KindBusy, "session %s has too many in-flight calls", s.ID)
	}
	return nil
}

// Release returns a tool-call slot.
func (s *Session) Release() {
	s.gate.Release(1)
}

// Sweep drops sessions idle past TTL. A session with in-flight calls is
// kept regardless of idle time; it is re-checked on the next sweep.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen) <= m.cfg.TTL {
			continue
		}
		if !s.gate.TryAcquire(m.cfg.ConcurrencyMax) {
			continue
		}
		s.gate.Release(m.cfg.ConcurrencyMax)
		delete(m.sessions, id)
		removed++
	}
	if removed > 0 {
		m.logger.Printf("swept %d expired sessions (active=%d)", removed, len(m.sessions))
	}
	return removed
}

// StartSweep runs the idle-session sweeper until ctx is done.
func (m *Manager) StartSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(time.Now().UTC())
		}
	}
}
