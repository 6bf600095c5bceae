package risk

import (
	"os"
	"sync"
)

// MockStore implements Store in memory for testing.
type MockStore struct {
	mu      sync.Mutex
	state   *State
	loadErr error
	saveErr error
	saves   int
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{}
}

func (m *MockStore) Load() (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.state == nil {
		return nil, os.ErrNotExist
	}
	return m.state.Clone(), nil
}

func (m *MockStore) Save(state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.state = state.Clone()
	m.saves++
	return nil
}

func (m *MockStore) Path() string {
	return "mock://risk_state"
}

// Seed installs a starting ledger, as if loaded from disk.
func (m *MockStore) Seed(state *State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state.Clone()
}

// SetLoadError scripts the next Load calls to fail.
func (m *MockStore) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetSaveError scripts the next Save calls to fail.
func (m *MockStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// SaveCount reports how many saves have succeeded.
func (m *MockStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Stored returns a copy of the current ledger, or nil.
func (m *MockStore) Stored() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}
