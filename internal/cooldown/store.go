package cooldown

import (
	"sync"
)

// Store persists cooldown expiries as epoch milliseconds. A missing key
// means no cooldown is active.
type Store interface {
	Load(key string) (expiresAtMs int64, ok bool, err error)
	Save(key string, expiresAtMs int64) error
	Remove(key string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]int64)}
}

// Load implements Store.
func (s *MemoryStore) Load(key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok, nil
}

// Save implements Store.
func (s *MemoryStore) Save(key string, expiresAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = expiresAtMs
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
