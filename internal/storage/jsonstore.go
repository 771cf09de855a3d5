// Package storage provides the durable JSON document store backing the task
// queue, active-task tracker, and plan store. Every Save is synchronous: the
// document is on disk before the call returns, so a crash never loses an
// acknowledged mutation.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists one named JSON document under a data directory.
type Store struct {
	path string
}

// NewStore creates a store for the named document (e.g. "task-queue.json")
// under dataDir, creating the directory if needed.
func NewStore(dataDir, name string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Store{path: filepath.Join(dataDir, name)}, nil
}

// Path returns the document's location on disk.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document into v. A missing document is not an error; v is
// left untouched and false is returned.
func (s *Store) Load(v interface{}) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", s.path, err)
	}
	return true, nil
}

// Save writes the document atomically: marshal, write to a temp file in the
// same directory, fsync, then rename over the target. Rename is atomic on
// POSIX filesystems, so readers never observe a torn document.
func (s *Store) Save(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}
