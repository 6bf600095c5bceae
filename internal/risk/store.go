package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONStore keeps the ledger in a single JSON file, written atomically.
type JSONStore struct {
	mu       sync.Mutex
	filepath string
}

// NewJSONStore creates a store backed by the given file path. The parent
// directory is created on first save.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{filepath: path}
}

func (s *JSONStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing risk state: %w", err)
	}
	return &state, nil
}

func (s *JSONStore) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filepath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	// Write to temp file first, then atomic rename
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

func (s *JSONStore) Path() string {
	return s.filepath
}
