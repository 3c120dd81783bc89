package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/offlinedash/usbsync/internal/domain"
)

// Store persists the per-volume fingerprint table as a single JSON
// document. Every save rewrites the whole document through a temp file,
// fsync and rename, so a reader never observes a partial write.
type Store struct {
	path string
}

// NewStore creates a store backed by the given file path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the fingerprint table. A missing or corrupt file yields an
// empty table: the copy engine is idempotent, so starting from scratch is
// safe and merely costs redundant comparisons.
func (s *Store) Load() domain.StateMap {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return domain.StateMap{}
	}

	var m domain.StateMap
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.StateMap{}
	}
	if m == nil {
		return domain.StateMap{}
	}
	return m
}

// Save atomically replaces the fingerprint table on disk
func (s *Store) Save(m domain.StateMap) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}

	_, writeErr := f.Write(data)
	syncErr := f.Sync()
	closeErr := f.Close()

	if writeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write state: %w", writeErr)
	}
	if syncErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to sync state: %w", syncErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close state file: %w", closeErr)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}
