package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"lab-assistant/pkg"
)

// MemoryStore keeps sessions in process memory.  Sessions idle for longer
// than the TTL are dropped, as is the least recently used one when the
// store is full.
type MemoryStore struct {
	cache *expirable.LRU[string, *Session]
}

// NewMemoryStore creates a store holding at most size sessions.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 1000
	}
	return &MemoryStore{cache: expirable.NewLRU[string, *Session](size, nil, ttl)}
}

func (m *MemoryStore) Create(ctx context.Context) (*Session, error) {
	s := New()
	m.cache.Add(s.ID, s.Clone())
	return s, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s, ok := m.cache.Get(id)
	if !ok {
		return nil, pkg.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	if _, ok := m.cache.Peek(s.ID); !ok {
		return pkg.ErrSessionNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	// Add refreshes the entry's expiry.
	m.cache.Add(s.ID, s.Clone())
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if !m.cache.Remove(id) {
		return pkg.ErrSessionNotFound
	}
	return nil
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int { return m.cache.Len() }

func (m *MemoryStore) Close() error {
	m.cache.Purge()
	return nil
}
