package session

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultManagerSize = 1024
	defaultIdleTTL     = 10 * time.Minute
)

// ManagerConfig bounds the session cache.
type ManagerConfig struct {
	MaxSessions int
	IdleTTL     time.Duration
	Options     []Option
}

// Manager hands out one Session per account from a bounded cache so
// concurrent requests for an account share its last known record.
type Manager struct {
	applier Applier
	opts    []Option

	mu    sync.Mutex
	cache *expirable.LRU[string, *Session]
}

// NewManager creates a Manager.
func NewManager(applier Applier, cfg ManagerConfig) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultManagerSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	return &Manager{
		applier: applier,
		opts:    cfg.Options,
		cache:   expirable.NewLRU[string, *Session](cfg.MaxSessions, nil, cfg.IdleTTL),
	}
}

// Get returns the session for accountID, creating it when absent.
func (m *Manager) Get(accountID string) *Session {
	accountID = strings.TrimSpace(accountID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.cache.Get(accountID); ok {
		return s
	}
	s := New(accountID, m.applier, m.opts...)
	m.cache.Add(accountID, s)
	return s
}

// Forget drops the cached session for accountID.
func (m *Manager) Forget(accountID string) {
	m.cache.Remove(strings.TrimSpace(accountID))
}

// Len returns the number of cached sessions.
func (m *Manager) Len() int {
	return m.cache.Len()
}
