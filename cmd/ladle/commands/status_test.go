package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ladlehq/ladle/pkg/journal"
	"github.com/ladlehq/ladle/pkg/reconciler"
)

func seedJournal(t *testing.T, path string) {
	t.Helper()

	j, err := journal.New(path)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	if err := j.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize journal: %v", err)
	}
	defer j.Close()

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	outcome := &reconciler.RunOutcome{
		RunID:    "run-007",
		Cookbook: "webserver",
		Policy:   reconciler.PolicyFailFast,
		Resources: []reconciler.ResourceOutcome{
			{ID: "package.nginx", Status: reconciler.StatusApplied},
			{ID: "service.nginx", Status: reconciler.StatusSkipped},
		},
		Success:     true,
		StartedAt:   started,
		CompletedAt: started.Add(time.Second),
	}
	if err := j.RecordRun(context.Background(), outcome); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}
}

func runStatus(t *testing.T, args ...string) string {
	t.Helper()

	cmd := newStatusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	return out.String()
}

func TestStatusPrintsLastRecordedRun(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "journal.db")
	seedJournal(t, journalPath)

	text := runStatus(t,
		"--local-path", dir,
		"--state-file", filepath.Join(dir, "state.json"),
		"--journal", journalPath,
	)

	if !strings.Contains(text, "sync status:   uninitialized") {
		t.Errorf("expected uninitialized sync status, got:\n%s", text)
	}
	if !strings.Contains(text, "last run:") {
		t.Errorf("expected a last run line, got:\n%s", text)
	}
	if !strings.Contains(text, "webserver") || !strings.Contains(text, "run-007") {
		t.Errorf("expected the recorded run's cookbook and id, got:\n%s", text)
	}
	if !strings.Contains(text, "skipped=1 applied=1 failed=0") {
		t.Errorf("expected per-resource counts, got:\n%s", text)
	}
}

func TestStatusToleratesMissingJournal(t *testing.T) {
	dir := t.TempDir()

	text := runStatus(t,
		"--local-path", dir,
		"--state-file", filepath.Join(dir, "state.json"),
		"--journal", filepath.Join(dir, "journal.db"),
	)

	if strings.Contains(text, "last run:") {
		t.Errorf("expected no last run line without a journal, got:\n%s", text)
	}
	if !strings.Contains(text, "managed:       0 files, 0 packages, 0 services") {
		t.Errorf("expected empty host state counts, got:\n%s", text)
	}
}
