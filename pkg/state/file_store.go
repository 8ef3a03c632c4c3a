package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// FileStore persists state as a JSON file. Saves go through a temp file in
// the same directory followed by a rename, so a crash mid-write never leaves
// a truncated file behind. An flock-based advisory lock on a sibling .lock
// file serializes concurrent reconciliation runs on the same host.
type FileStore struct {
	path   string
	logger zerolog.Logger

	lockFile *os.File
}

// NewFileStore creates a store backed by the JSON file at path.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("component", "state-store").Logger(),
	}
}

// Load reads the persisted state. A missing or corrupt file is not fatal:
// it returns an empty state and logs a warning, so a damaged state file
// degrades to a full re-check of every resource instead of an outage.
func (s *FileStore) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		s.logger.Warn().Err(err).Str("path", s.path).
			Msg("failed to read state file, starting from empty state")
		return New(), nil
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).
			Msg("state file is corrupt, starting from empty state")
		return New(), nil
	}

	st.normalize()
	return &st, nil
}

// Save writes the state atomically: marshal, write to a temp file in the
// destination directory, fsync, then rename into place.
func (s *FileStore) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush temp state file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// Lock acquires an exclusive, non-blocking advisory lock scoped to the
// state file. A second concurrent reconciliation attempt fails fast here
// instead of racing the first one.
func (s *FileStore) Lock() error {
	if s.lockFile != nil {
		return fmt.Errorf("state lock already held by this process")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("state file is locked by another run: %w", err)
	}

	s.lockFile = f
	return nil
}

// Unlock releases the advisory lock.
func (s *FileStore) Unlock() error {
	if s.lockFile == nil {
		return nil
	}
	f := s.lockFile
	s.lockFile = nil

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("failed to release state lock: %w", err)
	}
	return f.Close()
}
