package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatai-web/internal/models"
)

// DefaultIdleTimeout is how long a session without any connected page is kept.
const DefaultIdleTimeout = 30 * time.Minute

// Config holds what every new session starts with.
type Config struct {
	// Settings is the credential template. Its APIKey is replaced by the key saved for the session,
	// if any.
	Settings models.Settings
	// RevealInterval is the time between two revealed characters.
	RevealInterval time.Duration
	// IdleTimeout is how long a session nobody is attached to survives. Non-positive selects
	// DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// Manager hands out one Session per browser session id. A session lives while a page is attached to
// it. Sessions that never get a page, or whose pages are gone, are closed once idle.
type Manager struct {
	cfg       Config
	completer Completer
	store     CredentialStore
	events    Events

	mu       sync.Mutex
	sessions map[string]*managedSession

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *slog.Logger
}

type managedSession struct {
	session  *Session
	attached int
	lastUsed time.Time
}

// NewManager creates a Manager and starts the sweeper of idle sessions, which runs until Close. store
// may be nil, in which case keys are kept in memory only.
func NewManager(cfg Config, completer Completer, store CredentialStore, events Events, logger *slog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	m := &Manager{
		cfg:       cfg,
		completer: completer,
		store:     store,
		events:    events,
		sessions:  make(map[string]*managedSession),
		stop:      make(chan struct{}),
		logger:    logger.With(slog.String("module", "session")),
	}

	m.wg.Add(1)
	go m.sweep()

	return m
}

// Get returns the session with the given id, creating it on first use. A new session restores the
// API key saved for its id.
func (m *Manager) Get(ctx context.Context, id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.getLocked(ctx, id).session
}

// Attach is Get for a connected page. The session is kept at least until the matching Detach.
func (m *Manager) Attach(ctx context.Context, id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := m.getLocked(ctx, id)
	ms.attached++
	return ms.session
}

// Detach releases a page attached with Attach. When the last page of a session leaves, the session is
// closed: its request and reveal stop and a later Get starts a new conversation.
func (m *Manager) Detach(id string) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	ms.attached--
	ms.lastUsed = time.Now()
	if ms.attached > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.Debug("Last page detached", slog.String("session", id))

	ms.session.Close()
}

// Remove closes and forgets the session with the given id.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		ms.session.Close()
	}
}

func (m *Manager) getLocked(ctx context.Context, id string) *managedSession {
	if ms, ok := m.sessions[id]; ok {
		ms.lastUsed = time.Now()
		return ms
	}

	settings := m.cfg.Settings
	settings.APIKey = ""
	if m.store != nil {
		key, err := m.store.APIKey(ctx, id)
		if err != nil {
			m.logger.Error("Failed to load saved API key",
				slog.String("session", id),
				slog.String(errLoggerKey, err.Error()))
		}
		settings.APIKey = key
	}

	ms := &managedSession{
		session:  newSession(id, settings, m.cfg.RevealInterval, m.completer, m.store, m.events, m.logger),
		lastUsed: time.Now(),
	}
	m.sessions[id] = ms

	m.logger.Debug("Session created", slog.String("session", id))

	return ms
}

// Lookup returns the session with the given id if it exists.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return ms.session, true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

func (m *Manager) sweep() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.closeIdle(time.Now())
		}
	}
}

func (m *Manager) closeIdle(now time.Time) {
	m.mu.Lock()
	var idle []*Session
	for id, ms := range m.sessions {
		if ms.attached > 0 || now.Sub(ms.lastUsed) < m.cfg.IdleTimeout {
			continue
		}
		idle = append(idle, ms.session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.logger.Debug("Idle session closed", slog.String("session", s.ID()))
		s.Close()
	}
}

// Close stops the sweeper and tears down every session. Sessions created afterwards are not closed.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		sessions = append(sessions, ms.session)
	}
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
