package store

import (
	"context"
	"sync"
	"time"

	"github.com/menta2k/dish-counter/pkg/workflow"
)

type memoryEntry struct {
	session *workflow.Session
	expires time.Time
}

// MemoryStore is an in-memory session store with lazy expiry
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the session by ID
func (m *MemoryStore) Get(ctx context.Context, id string) (*workflow.Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if m.now().After(e.expires) {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return e.session, nil
}

// Save stores the session and renews its TTL
func (m *MemoryStore) Save(ctx context.Context, s *workflow.Session) error {
	m.mu.Lock()
	m.sessions[s.ID] = memoryEntry{session: s, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

// Delete removes the session
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
