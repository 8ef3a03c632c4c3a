package gitsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the sync service's state machine position. Cloning and
// Resolving are transient; Synced is the steady state. Degraded is entered
// when the transport retry ceiling is exhausted; the previously published
// tree stays authoritative.
type Status string

const (
	StatusUninitialized    Status = "uninitialized"
	StatusCloning          Status = "cloning"
	StatusSynced           Status = "synced"
	StatusDrifted          Status = "drifted"
	StatusConflictDetected Status = "conflict-detected"
	StatusResolving        Status = "resolving"
	StatusDegraded         Status = "degraded"
)

// ConflictEvent records a forced reset of divergent local history. The
// reset policy is deliberately lossy; every occurrence is recorded here for
// observability.
type ConflictEvent struct {
	At           time.Time `json:"at"`
	LocalCommit  string    `json:"local_commit"`
	RemoteCommit string    `json:"remote_commit"`
	Message      string    `json:"message"`
}

// SyncState is the externally inspectable state of the sync service.
type SyncState struct {
	Status Status `json:"status"`

	// LastCommit is the last synchronized commit identifier.
	LastCommit string `json:"last_commit,omitempty"`

	// LastSyncTime is the completion time of the last successful cycle.
	LastSyncTime time.Time `json:"last_sync_time"`

	// LastConflict describes the most recent forced reset, if any.
	LastConflict *ConflictEvent `json:"last_conflict,omitempty"`

	// LastError is the failure of the most recent degraded cycle.
	LastError string `json:"last_error,omitempty"`
}

// ReadState loads the persisted sync state from a service directory without
// constructing a Service.
func ReadState(localPath string) SyncState {
	return loadSyncState(filepath.Join(localPath, "sync-state.json"))
}

// saveSyncState persists the state as JSON via temp-file-and-rename.
func saveSyncState(path string, st SyncState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sync-state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp sync state: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close sync state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace sync state: %w", err)
	}
	return nil
}

// loadSyncState reads a persisted state; a missing or corrupt file yields a
// fresh uninitialized state.
func loadSyncState(path string) SyncState {
	st := SyncState{Status: StatusUninitialized}
	data, err := os.ReadFile(path)
	if err != nil {
		return st
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return SyncState{Status: StatusUninitialized}
	}
	return st
}
