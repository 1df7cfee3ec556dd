package lock

import (
	"context"
	"sync"
	"time"
)

type memoryClaim struct {
	token   string
	expires time.Time
}

// MemoryStore is a process local claim table. Factories sharing one store
// exclude each other the same way independent processes do on a remote store.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]memoryClaim)}
}

// Len returns the number of live claims.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, c := range s.claims {
		if c.expires.IsZero() || now.Before(c.expires) {
			n++
		}
	}
	return n
}

// MemoryFactory is a Factory over a MemoryStore.
type MemoryFactory struct {
	*factory
	store *MemoryStore
}

// NewMemory returns a factory claiming keys in store. A nil store gives the
// factory a private one.
func NewMemory(store *MemoryStore, component string, opts ...Option) (*MemoryFactory, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &MemoryFactory{store: store}
	f, err := newFactory("memory", component, Capabilities{
		Timeout:     true,
		AutoRelease: true,
		Extend:      true,
	}, m, newOptions(opts))
	if err != nil {
		return nil, err
	}
	m.factory = f
	return m, nil
}

func (m *MemoryFactory) claim(_ context.Context, key, token string, lifetime time.Duration) (bool, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if c, ok := s.claims[key]; ok && (c.expires.IsZero() || now.Before(c.expires)) {
		return false, nil
	}
	s.claims[key] = memoryClaim{token: token, expires: expiry(now, lifetime)}
	return true, nil
}

func (m *MemoryFactory) clear(_ context.Context, key, token string) error {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[key]; ok && c.token == token {
		delete(s.claims, key)
	}
	return nil
}

func (m *MemoryFactory) refresh(_ context.Context, key, token string, lifetime time.Duration) (bool, error) {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c, ok := s.claims[key]
	if !ok || c.token != token || (!c.expires.IsZero() && !now.Before(c.expires)) {
		return false, nil
	}
	c.expires = expiry(now, lifetime)
	s.claims[key] = c
	return true, nil
}

func (m *MemoryFactory) ping(context.Context) error {
	return nil
}
