package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Record is the contract a persisted value must satisfy: a saved-at
// timestamp, stamped by every Save, so callers can tell how stale a record
// is. Load performs no version or schema check.
type Record interface {
	SetSavedAt(time.Time)
}

// Store persists a single JSON-encoded value of type T to a fixed path on
// an afero.Fs. It is safe for concurrent use.
type Store[T Record] struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

// NewStore creates a Store backed by the OS filesystem.
func NewStore[T Record](path string) *Store[T] {
	return NewStoreFS[T](afero.NewOsFs(), path)
}

// NewStoreFS creates a Store backed by an arbitrary afero.Fs, tests pass
// afero.NewMemMapFs() for a filesystem with no disk I/O.
func NewStoreFS[T Record](fs afero.Fs, path string) *Store[T] {
	return &Store[T]{fs: fs, path: path}
}

// Save persists v to disk, stamping its saved-at time.
func (s *Store[T]) Save(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v.SetSavedAt(time.Now())

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	return afero.WriteFile(s.fs, s.path, data, 0644)
}

// Load reads the persisted value. It returns ok=false, nil error when no
// record exists yet, a missing file is not a failure.
func (s *Store[T]) Load() (value T, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.path)
	if os.IsNotExist(err) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

// Clear removes the persisted record, if any. Removing an absent record is
// a no-op, matching the idempotent-removal property required of both core
// subsystems (spec §8 property 5).
func (s *Store[T]) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Exists reports whether a record is currently persisted.
func (s *Store[T]) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.fs.Stat(s.path)
	return err == nil
}
