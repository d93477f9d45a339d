package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/internal/types"
)

var ErrTooManySessions = errors.New("too many sessions")

type ManagerConfig struct {
	// Template is copied for every new session; its ID is ignored.
	Template SessionConfig
	// MaxSessions bounds concurrent sessions; zero means unlimited.
	MaxSessions int
	Logger      logger.Logger
}

// Manager keeps isolated sessions keyed by ID.
type Manager struct {
	config ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(config ManagerConfig) *Manager {
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.Template.Logger == nil {
		config.Template.Logger = config.Logger
	}
	return &Manager{
		config:   config,
		sessions: make(map[string]*Session),
	}
}

// Create opens a new session with a fresh ID.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.config.MaxSessions)
	}
	id := uuid.NewString()
	// reserve the slot while the session is built
	m.sessions[id] = nil
	m.mu.Unlock()

	cfg := m.config.Template
	cfg.ID = id
	s, err := New(ctx, cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.sessions, id)
		return nil, err
	}
	m.sessions[id] = s
	m.config.Logger.Info("session created", "session", id, "active", len(m.sessions))
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	return s, nil
}

// Close removes the session, cancelling anything it is still doing.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok && s != nil {
		delete(m.sessions, id)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if !ok || s == nil {
		return fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	m.config.Logger.Info("session closed", "session", id, "active", active)
	return s.Close()
}

func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
