// Package persist stores global variables across runs. Backends share
// a small load/save contract so the interpreter does not care whether
// globals live in a JSON file, a SQLite database, or a Redis hash.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store loads and saves the global variable set.
type Store interface {
	// Load returns the persisted globals. A store with nothing saved
	// yet returns an empty map, not an error.
	Load() (map[string]any, error)
	// Save replaces the persisted globals with m.
	Save(m map[string]any) error
	// Close releases backend resources.
	Close() error
}

// FileStore persists globals as a single JSON document on disk.
type FileStore struct {
	Path string
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load() (map[string]any, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read globals file: %w", err)
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse globals file %s: %w", s.Path, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Save writes atomically via a temp file rename so a crash mid-write
// never truncates the previous state.
func (s *FileStore) Save(m map[string]any) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode globals: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create globals dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".globals-*.json")
	if err != nil {
		return fmt.Errorf("create temp globals file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write globals: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close globals file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace globals file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
