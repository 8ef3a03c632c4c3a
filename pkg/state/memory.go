package state

import (
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and dry runs. It honors
// the same fail-fast lock contract as FileStore.
type MemoryStore struct {
	mu     sync.Mutex
	state  *State
	locked bool

	// SaveCount tracks how many saves happened, for test assertions.
	SaveCount int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: New()}
}

// Load returns a copy of the held state.
func (m *MemoryStore) Load() (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

// Save replaces the held state with a copy of st.
func (m *MemoryStore) Save(st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st.Clone()
	m.SaveCount++
	return nil
}

// Lock fails fast when already held, mirroring the flock behavior.
func (m *MemoryStore) Lock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return fmt.Errorf("state store is locked by another run")
	}
	m.locked = true
	return nil
}

// Unlock releases the lock.
func (m *MemoryStore) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = false
	return nil
}
