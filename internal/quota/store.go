package quota

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by a Store that has no usage for a key.
var ErrNotFound = errors.New("quota usage not found")

// Store loads and saves tracker usage.
type Store interface {
	Load(ctx context.Context, key string) (*Usage, error)
	Save(ctx context.Context, key string, usage Usage) error
}

// MemoryStore keeps usage in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	usage map[string]Usage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{usage: make(map[string]Usage)}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, key string) (*Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usage[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, key string, usage Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[key] = usage
	return nil
}
