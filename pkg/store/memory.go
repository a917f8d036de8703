package store

import "github.com/cuemby/nodeagent/pkg/types"

// MemoryStore is an in-memory ExecutionsStore with no persistence
// across process restarts. It is used by tests and by the agent in
// standalone/ephemeral mode where durability across a crash isn't
// required.
type MemoryStore struct {
	m types.ExecutionsMap
}

// NewMemoryStore returns a MemoryStore starting from an empty map.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(types.ExecutionsMap)}
}

// Get returns a copy of the current map.
func (s *MemoryStore) Get() (types.ExecutionsMap, error) {
	return s.m.Clone(), nil
}

// Set replaces the current map with a copy of m.
func (s *MemoryStore) Set(m types.ExecutionsMap) error {
	s.m = m.Clone()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
