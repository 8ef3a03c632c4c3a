package gitsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ladlehq/ladle/pkg/backoff"
)

// fakeClock never actually sleeps.
type fakeClock struct {
	onSleep func()
}

func (c *fakeClock) Now() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }

func (c *fakeClock) Sleep(ctx context.Context, _ time.Duration) error {
	if c.onSleep != nil {
		c.onSleep()
	}
	return ctx.Err()
}

// fakeGit simulates a remote-tracking checkout backed by a temp directory.
type fakeGit struct {
	workTree string
	local    string
	remote   string
	ancestor bool
	fetchErr error
	cloneErr error

	ensureCalls int
	fetchCalls  int
	ffCalls     int
	resetCalls  int

	files map[string]string
}

func (g *fakeGit) WorkTree() string { return g.workTree }

func (g *fakeGit) materialize() error {
	if err := os.MkdirAll(filepath.Join(g.workTree, ".git"), 0o755); err != nil {
		return err
	}
	for rel, content := range g.files {
		path := filepath.Join(g.workTree, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (g *fakeGit) EnsureRepo(context.Context) (bool, error) {
	g.ensureCalls++
	if g.cloneErr != nil {
		return false, g.cloneErr
	}
	return true, g.materialize()
}

func (g *fakeGit) Fetch(context.Context) error {
	g.fetchCalls++
	return g.fetchErr
}

func (g *fakeGit) Head(context.Context) (string, error)       { return g.local, nil }
func (g *fakeGit) RemoteHead(context.Context) (string, error) { return g.remote, nil }

func (g *fakeGit) IsAncestor(context.Context, string, string) (bool, error) {
	return g.ancestor, nil
}

func (g *fakeGit) FastForward(context.Context) error {
	g.ffCalls++
	g.local = g.remote
	return g.materialize()
}

func (g *fakeGit) ResetHard(context.Context) error {
	g.resetCalls++
	g.local = g.remote
	return g.materialize()
}

func (g *fakeGit) ListFiles(context.Context) ([]string, error) {
	var files []string
	for rel := range g.files {
		files = append(files, rel)
	}
	sort.Strings(files)
	return files, nil
}

func testService(t *testing.T) (*Service, *fakeGit, string) {
	t.Helper()
	localPath := t.TempDir()
	git := &fakeGit{
		workTree: filepath.Join(localPath, "repo"),
		local:    "c1",
		remote:   "c1",
		files:    map[string]string{"10-base.yaml": "name: base\n"},
	}
	svc := NewService(Options{
		RepoURL:   "https://example.com/cookbooks.git",
		LocalPath: localPath,
		Branch:    "main",
		Interval:  time.Minute,
	}, zerolog.Nop(),
		WithGitClient(git),
		WithClock(&fakeClock{}),
		WithRetryPolicy(backoff.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}),
	)
	return svc, git, localPath
}

func publishedCommit(t *testing.T, localPath string) string {
	t.Helper()
	target, err := os.Readlink(filepath.Join(localPath, "current"))
	if err != nil {
		t.Fatalf("failed to read current link: %v", err)
	}
	return filepath.Base(target)
}

func TestFirstCycleClonesAndPublishes(t *testing.T) {
	svc, git, localPath := testService(t)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	st := svc.State()
	if st.Status != StatusSynced {
		t.Errorf("expected synced status, got %s", st.Status)
	}
	if st.LastCommit != "c1" {
		t.Errorf("expected last commit c1, got %s", st.LastCommit)
	}
	if st.LastSyncTime.IsZero() {
		t.Error("expected last sync time to be set")
	}

	if publishedCommit(t, localPath) != "c1" {
		t.Error("expected current link to point at the c1 tree")
	}
	data, err := os.ReadFile(filepath.Join(localPath, "current", "10-base.yaml"))
	if err != nil {
		t.Fatalf("expected published tree to contain the cookbook: %v", err)
	}
	if string(data) != "name: base\n" {
		t.Errorf("unexpected published content: %q", data)
	}
	if _, err := os.Stat(filepath.Join(localPath, "current", ".git")); !os.IsNotExist(err) {
		t.Error("expected .git to be excluded from the published tree")
	}
	if git.fetchCalls != 1 {
		t.Errorf("expected one fetch, got %d", git.fetchCalls)
	}

	persisted := ReadState(localPath)
	if persisted.Status != StatusSynced || persisted.LastCommit != "c1" {
		t.Errorf("expected persisted state to match, got %+v", persisted)
	}
}

func TestExistingCheckoutStillDelegatesToGitClient(t *testing.T) {
	svc, git, _ := testService(t)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("initial cycle failed: %v", err)
	}
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	// The client owns the existing-checkout path (branch checkout); the
	// service must not short-circuit it once .git exists.
	if git.ensureCalls != 2 {
		t.Errorf("expected EnsureRepo on every cycle, got %d calls", git.ensureCalls)
	}
	if svc.State().Status != StatusSynced {
		t.Errorf("expected synced status, got %s", svc.State().Status)
	}
}

func TestFastForwardToRemoteHead(t *testing.T) {
	svc, git, localPath := testService(t)
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("initial cycle failed: %v", err)
	}

	git.remote = "c2"
	git.ancestor = true
	git.files["20-app.yaml"] = "name: app\n"

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if git.ffCalls != 1 {
		t.Errorf("expected one fast-forward, got %d", git.ffCalls)
	}
	if git.resetCalls != 0 {
		t.Errorf("expected no reset for linear history, got %d", git.resetCalls)
	}
	if svc.State().LastCommit != "c2" {
		t.Errorf("expected last commit c2, got %s", svc.State().LastCommit)
	}
	if publishedCommit(t, localPath) != "c2" {
		t.Error("expected current link to point at the c2 tree")
	}
	if _, err := os.Stat(filepath.Join(localPath, "current", "20-app.yaml")); err != nil {
		t.Error("expected the new cookbook in the published tree")
	}
}

func TestDivergentHistoryForceResets(t *testing.T) {
	svc, git, localPath := testService(t)
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("initial cycle failed: %v", err)
	}

	// Remote history was rewritten; local head is no longer an ancestor.
	git.remote = "c3"
	git.ancestor = false

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if git.resetCalls != 1 {
		t.Errorf("expected one forced reset, got %d", git.resetCalls)
	}
	if git.ffCalls != 0 {
		t.Errorf("expected no fast-forward for divergent history, got %d", git.ffCalls)
	}

	st := svc.State()
	if st.Status != StatusSynced {
		t.Errorf("expected synced after resolution, got %s", st.Status)
	}
	if st.LastConflict == nil {
		t.Fatal("expected the forced reset to be recorded")
	}
	if st.LastConflict.LocalCommit != "c1" || st.LastConflict.RemoteCommit != "c3" {
		t.Errorf("unexpected conflict record: %+v", st.LastConflict)
	}
	if publishedCommit(t, localPath) != "c3" {
		t.Error("expected current link to point at the c3 tree")
	}
}

func TestTransportFailureDegradesAndKeepsLastPublish(t *testing.T) {
	svc, git, localPath := testService(t)
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("initial cycle failed: %v", err)
	}

	git.fetchErr = errors.New("remote unreachable")
	fetchesBefore := git.fetchCalls

	err := svc.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected degraded cycle to return an error")
	}

	if git.fetchCalls-fetchesBefore != 2 {
		t.Errorf("expected fetch to be retried to the policy ceiling, got %d attempts", git.fetchCalls-fetchesBefore)
	}

	st := svc.State()
	if st.Status != StatusDegraded {
		t.Errorf("expected degraded status, got %s", st.Status)
	}
	if st.LastError == "" {
		t.Error("expected last error to be recorded")
	}
	if st.LastCommit != "c1" {
		t.Errorf("expected last-known-good commit to be kept, got %s", st.LastCommit)
	}
	if publishedCommit(t, localPath) != "c1" {
		t.Error("expected the previous publish to stay authoritative")
	}

	// Recovery: the next successful cycle leaves degraded.
	git.fetchErr = nil
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("recovery cycle failed: %v", err)
	}
	st = svc.State()
	if st.Status != StatusSynced || st.LastError != "" {
		t.Errorf("expected recovery to clear the degraded state, got %+v", st)
	}
}

func TestPublishPrunesOldTrees(t *testing.T) {
	svc, git, localPath := testService(t)
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("initial cycle failed: %v", err)
	}

	git.ancestor = true
	for _, commit := range []string{"c2", "c3"} {
		git.remote = commit
		if err := svc.RunOnce(context.Background()); err != nil {
			t.Fatalf("cycle for %s failed: %v", commit, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(localPath, "trees"))
	if err != nil {
		t.Fatalf("failed to read trees: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if len(names) != 2 || names[0] != "c2" || names[1] != "c3" {
		t.Errorf("expected only the current and previous trees, got %v", names)
	}
}

func TestUnchangedRemoteRepublishesNothing(t *testing.T) {
	svc, git, localPath := testService(t)
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("initial cycle failed: %v", err)
	}

	link := filepath.Join(localPath, "current")
	before, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("failed to stat link: %v", err)
	}

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	after, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("failed to stat link: %v", err)
	}
	if !before.ModTime().Equal(after.ModTime()) {
		t.Error("expected the current link to be left alone for an unchanged remote")
	}
	if git.ffCalls != 0 && git.resetCalls != 0 {
		t.Error("expected no history operations for an unchanged remote")
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	svc, git, _ := testService(t)

	ctx, cancel := context.WithCancel(context.Background())
	clock := &fakeClock{onSleep: cancel}
	svc.clock = clock

	err := svc.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to return the cancellation error")
	}
	if git.fetchCalls != 1 {
		t.Errorf("expected exactly one completed cycle before stopping, got %d fetches", git.fetchCalls)
	}
}

func TestReadStateMissingFile(t *testing.T) {
	st := ReadState(t.TempDir())
	if st.Status != StatusUninitialized {
		t.Errorf("expected uninitialized status, got %s", st.Status)
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync-state.json")

	st := SyncState{
		Status:       StatusSynced,
		LastCommit:   "abc",
		LastSyncTime: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		LastConflict: &ConflictEvent{
			At:           time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC),
			LocalCommit:  "x",
			RemoteCommit: "y",
			Message:      "forced reset",
		},
	}
	if err := saveSyncState(path, st); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	loaded := loadSyncState(path)
	if loaded.Status != StatusSynced || loaded.LastCommit != "abc" {
		t.Errorf("unexpected loaded state: %+v", loaded)
	}
	if loaded.LastConflict == nil || loaded.LastConflict.RemoteCommit != "y" {
		t.Errorf("expected conflict record to survive, got %+v", loaded.LastConflict)
	}
}

func TestLoadSyncStateCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync-state.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	st := loadSyncState(path)
	if st.Status != StatusUninitialized {
		t.Errorf("expected corrupt state to reset to uninitialized, got %s", st.Status)
	}
}
