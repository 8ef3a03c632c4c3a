// Package state persists the mapping of resource identity to last-applied
// fingerprint between reconciliation runs.
package state

import "time"

// State is the persisted host state. The on-disk encoding is JSON and must
// remain a complete, valid document at all times; saves are atomic so a
// reader always observes either the prior or the new content in full.
type State struct {
	// Files maps absolute file paths to content fingerprints.
	Files map[string]string `json:"files"`

	// Packages maps package names to the version recorded after a
	// successful install.
	Packages map[string]string `json:"packages"`

	// Services maps service names to their enforced status string.
	Services map[string]string `json:"services"`

	// LastConfigApplied is the completion time of the last successful run.
	LastConfigApplied time.Time `json:"last_config_applied"`

	// ConfigHash is the combined hash of the cookbook set applied in the
	// last fully successful run.
	ConfigHash string `json:"config_hash"`
}

// New returns an empty state with all maps initialized.
func New() *State {
	return &State{
		Files:    make(map[string]string),
		Packages: make(map[string]string),
		Services: make(map[string]string),
	}
}

// normalize ensures no nil maps after JSON decoding.
func (s *State) normalize() {
	if s.Files == nil {
		s.Files = make(map[string]string)
	}
	if s.Packages == nil {
		s.Packages = make(map[string]string)
	}
	if s.Services == nil {
		s.Services = make(map[string]string)
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := New()
	for k, v := range s.Files {
		c.Files[k] = v
	}
	for k, v := range s.Packages {
		c.Packages[k] = v
	}
	for k, v := range s.Services {
		c.Services[k] = v
	}
	c.LastConfigApplied = s.LastConfigApplied
	c.ConfigHash = s.ConfigHash
	return c
}

// Prune removes records whose identity is not in keep. Stale records are
// pruned explicitly by the caller, never automatically during a run.
func (s *State) Prune(keepFiles, keepPackages, keepServices map[string]bool) int {
	removed := 0
	for k := range s.Files {
		if !keepFiles[k] {
			delete(s.Files, k)
			removed++
		}
	}
	for k := range s.Packages {
		if !keepPackages[k] {
			delete(s.Packages, k)
			removed++
		}
	}
	for k := range s.Services {
		if !keepServices[k] {
			delete(s.Services, k)
			removed++
		}
	}
	return removed
}

// Store is the persistence contract. Load never fails fatally: a missing or
// corrupt backing file yields an empty state and a warning from the
// implementation. Save replaces the stored state atomically.
type Store interface {
	// Load returns the persisted state, or an empty state if none exists.
	Load() (*State, error)

	// Save atomically replaces the persisted state.
	Save(*State) error

	// Lock acquires an exclusive advisory lock serializing concurrent
	// load-modify-save sequences. It fails fast when the lock is already
	// held rather than blocking.
	Lock() error

	// Unlock releases the advisory lock.
	Unlock() error
}
