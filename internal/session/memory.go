package session

import (
	"context"
	"encoding/json"
	"sync"
)

// Compile-time check that MemoryStore satisfies the Store contract.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps visitor state in process memory. It exists for unit
// tests and local development; states are copied through JSON on the way in
// and out so callers cannot alias the stored document.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*State, error) {
	s.mu.RLock()
	raw, ok := s.states[key]
	s.mu.RUnlock()

	if !ok {
		return NewState(), nil
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.states[key] = raw
	s.mu.Unlock()
	return nil
}

// Keys returns every stored visitor key. Test helper.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	return keys
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
