// Package gitsync keeps a local cookbook checkout in sync with a remote
// repository and atomically publishes complete trees for the reconciler to
// consume. Divergent local history is resolved by force-resetting to the
// remote head; that policy is lossy, so every reset is recorded.
package gitsync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ladlehq/ladle/pkg/backoff"
	"github.com/ladlehq/ladle/pkg/telemetry"
)

// Options configures the sync service.
type Options struct {
	// RepoURL is the remote repository URL.
	RepoURL string

	// LocalPath is the service's working directory. It holds the git
	// checkout, the published trees and the persisted sync state.
	LocalPath string

	// Branch is the branch to track.
	Branch string

	// Interval is the delay between cycles in continuous mode.
	Interval time.Duration

	// Jitter is the upper bound of the randomized delay applied before
	// each fetch, spreading many hosts' polls across time.
	Jitter time.Duration
}

// Service is the sync service. It is an independent unit of scheduling; it
// shares only the published cookbook directory with the reconciler.
type Service struct {
	opts    Options
	git     GitClient
	clock   backoff.Clock
	policy  backoff.Policy
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	mu    sync.RWMutex
	state SyncState
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithGitClient replaces the git client (used by tests).
func WithGitClient(g GitClient) ServiceOption {
	return func(s *Service) { s.git = g }
}

// WithClock replaces the clock (used by tests).
func WithClock(c backoff.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// WithRetryPolicy replaces the transport retry policy.
func WithRetryPolicy(p backoff.Policy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a sync service rooted at opts.LocalPath.
func NewService(opts Options, logger zerolog.Logger, serviceOpts ...ServiceOption) *Service {
	s := &Service{
		opts:   opts,
		clock:  backoff.RealClock{},
		policy: backoff.DefaultPolicy(),
		logger: logger.With().Str("component", "gitsync").Logger(),
	}
	for _, opt := range serviceOpts {
		opt(s)
	}
	if s.git == nil {
		s.git = NewShellGit(opts.RepoURL, opts.Branch, filepath.Join(opts.LocalPath, "repo"))
	}
	s.state = loadSyncState(s.statePath())
	return s
}

// State returns a copy of the current sync state for external inspection.
func (s *Service) State() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CurrentTreePath returns the published cookbook directory. The path is a
// symlink that is swapped atomically; readers resolve it once per run.
func (s *Service) CurrentTreePath() string {
	return filepath.Join(s.opts.LocalPath, "current")
}

func (s *Service) statePath() string {
	return filepath.Join(s.opts.LocalPath, "sync-state.json")
}

func (s *Service) treesPath() string {
	return filepath.Join(s.opts.LocalPath, "trees")
}

// RunOnce executes exactly one sync cycle and returns its result.
func (s *Service) RunOnce(ctx context.Context) error {
	return s.cycle(ctx)
}

// Run repeats sync cycles on the configured interval until ctx is
// cancelled. Cancellation is cooperative: the in-flight cycle completes (or
// fails) before Run returns, so the service is never stopped mid-swap.
func (s *Service) Run(ctx context.Context) error {
	for {
		if err := s.cycle(ctx); err != nil {
			s.logger.Error().Err(err).Msg("sync cycle failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.logger.Debug().Dur("interval", s.opts.Interval).Msg("waiting for next cycle")
		if err := s.clock.Sleep(ctx, s.opts.Interval); err != nil {
			return err
		}
	}
}

// cycle performs one fetch-resolve-publish pass.
func (s *Service) cycle(ctx context.Context) error {
	// Anti-thundering-herd: randomized delay before every fetch.
	if s.opts.Jitter > 0 {
		delay := backoff.Jitter(s.opts.Jitter)
		s.logger.Debug().Dur("jitter", delay).Msg("applying startup jitter")
		if err := s.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(s.opts.LocalPath, 0o755); err != nil {
		return fmt.Errorf("failed to create sync directory: %w", err)
	}

	if err := s.ensureRepo(ctx); err != nil {
		return s.degrade(err)
	}

	if err := s.fetchWithRetry(ctx); err != nil {
		return s.degrade(err)
	}

	local, err := s.git.Head(ctx)
	if err != nil {
		return s.degrade(err)
	}
	remote, err := s.git.RemoteHead(ctx)
	if err != nil {
		return s.degrade(err)
	}

	if local != remote {
		ancestor, err := s.git.IsAncestor(ctx, local, remote)
		if err != nil {
			return s.degrade(err)
		}

		if ancestor {
			s.setStatus(StatusDrifted)
			s.logger.Info().Str("local", local).Str("remote", remote).Msg("fast-forwarding to remote head")
			if err := s.git.FastForward(ctx); err != nil {
				return s.degrade(err)
			}
		} else {
			// Local history diverged. Discard it: local edits in the
			// synced tree are never preserved or merged.
			s.setStatus(StatusConflictDetected)
			event := &ConflictEvent{
				At:           s.clock.Now().UTC(),
				LocalCommit:  local,
				RemoteCommit: remote,
				Message:      "local history diverged from remote, force-reset to remote head",
			}
			s.logger.Warn().
				Str("local", local).
				Str("remote", remote).
				Msg("divergent local history, force-resetting to remote head")

			s.setStatus(StatusResolving)
			if err := s.git.ResetHard(ctx); err != nil {
				return s.degrade(err)
			}

			s.mu.Lock()
			s.state.LastConflict = event
			s.mu.Unlock()
			s.metrics.ObserveSyncConflict()
		}
	}

	head, err := s.git.Head(ctx)
	if err != nil {
		return s.degrade(err)
	}

	if err := s.publish(ctx, head); err != nil {
		return s.degrade(err)
	}

	s.mu.Lock()
	s.state.Status = StatusSynced
	s.state.LastCommit = head
	s.state.LastSyncTime = s.clock.Now().UTC()
	s.state.LastError = ""
	st := s.state
	s.mu.Unlock()

	if err := saveSyncState(s.statePath(), st); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist sync state")
	}

	s.metrics.ObserveSyncCycle("success")
	s.logger.Info().Str("commit", head).Msg("sync cycle complete")
	return nil
}

func (s *Service) ensureRepo(ctx context.Context) error {
	// Delegated to the client even when the checkout already exists so a
	// changed Options.Branch is enforced on the next cycle.
	if _, err := os.Stat(filepath.Join(s.git.WorkTree(), ".git")); err != nil {
		s.setStatus(StatusCloning)
		s.logger.Info().Str("repo", s.opts.RepoURL).Str("branch", s.opts.Branch).Msg("cloning repository")
	}

	var lastErr error
	for attempt := 0; attempt < s.policy.MaxAttempts; attempt++ {
		if _, lastErr = s.git.EnsureRepo(ctx); lastErr == nil {
			return nil
		}
		if attempt == s.policy.MaxAttempts-1 {
			break
		}
		if err := s.clock.Sleep(ctx, s.policy.Delay(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("repository setup retries exhausted: %w", lastErr)
}

// fetchWithRetry retries transport failures with bounded exponential
// backoff up to the policy ceiling.
func (s *Service) fetchWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < s.policy.MaxAttempts; attempt++ {
		if lastErr = s.git.Fetch(ctx); lastErr == nil {
			return nil
		}
		if attempt == s.policy.MaxAttempts-1 {
			break
		}
		delay := s.policy.Delay(attempt)
		s.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("backoff", delay).Msg("fetch failed, retrying")
		if err := s.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("fetch retries exhausted: %w", lastErr)
}

// degrade records a failed cycle. The previously published tree remains
// authoritative; last-known-good is never rolled back by a failed sync.
func (s *Service) degrade(err error) error {
	s.mu.Lock()
	s.state.Status = StatusDegraded
	s.state.LastError = err.Error()
	st := s.state
	s.mu.Unlock()

	if saveErr := saveSyncState(s.statePath(), st); saveErr != nil {
		s.logger.Warn().Err(saveErr).Msg("failed to persist sync state")
	}
	s.metrics.ObserveSyncCycle("degraded")
	return err
}

func (s *Service) setStatus(status Status) {
	s.mu.Lock()
	s.state.Status = status
	s.mu.Unlock()
}

// publish materializes the tree for commit and swaps the current symlink to
// it in a single rename, so a concurrent reconciliation run sees either the
// fully old or fully new tree, never a mix.
func (s *Service) publish(ctx context.Context, commit string) error {
	treeDir := filepath.Join(s.treesPath(), commit)
	link := s.CurrentTreePath()

	if target, err := os.Readlink(link); err == nil {
		if filepath.Join(s.opts.LocalPath, target) == treeDir || target == treeDir {
			return nil // already published
		}
	}

	if _, err := os.Stat(treeDir); err != nil {
		if err := s.materializeTree(ctx, treeDir); err != nil {
			return err
		}
	}

	// Swap via a temp symlink and rename; rename over an existing link is
	// atomic on POSIX filesystems.
	tmpLink := link + ".tmp"
	os.Remove(tmpLink)
	relTarget := filepath.Join("trees", commit)
	if err := os.Symlink(relTarget, tmpLink); err != nil {
		return fmt.Errorf("failed to create temp symlink: %w", err)
	}
	if err := os.Rename(tmpLink, link); err != nil {
		os.Remove(tmpLink)
		return fmt.Errorf("failed to swap published tree: %w", err)
	}

	s.pruneTrees(commit)
	return nil
}

// materializeTree copies the tracked files of the checkout into a staging
// directory, verifies the copy is complete, then renames the staging
// directory into place.
func (s *Service) materializeTree(ctx context.Context, treeDir string) error {
	files, err := s.git.ListFiles(ctx)
	if err != nil {
		return err
	}

	staging := treeDir + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	for _, rel := range files {
		src := filepath.Join(s.git.WorkTree(), rel)
		dst := filepath.Join(staging, rel)
		if err := copyFile(src, dst); err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
	}

	// Verify completeness before the tree can become visible.
	for _, rel := range files {
		if _, err := os.Stat(filepath.Join(staging, rel)); err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("materialized tree is incomplete, missing %s: %w", rel, err)
		}
	}

	if err := os.Rename(staging, treeDir); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to finalize tree: %w", err)
	}
	return nil
}

// pruneTrees removes published trees other than the current and the
// previous one.
func (s *Service) pruneTrees(current string) {
	s.mu.RLock()
	previous := s.state.LastCommit
	s.mu.RUnlock()

	entries, err := os.ReadDir(s.treesPath())
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == current || name == previous {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.treesPath(), name)); err != nil {
			s.logger.Warn().Err(err).Str("tree", name).Msg("failed to prune old tree")
		}
	}
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
