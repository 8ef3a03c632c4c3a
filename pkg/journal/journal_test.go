package journal

import (
	"context"
	"testing"
	"time"

	"github.com/ladlehq/ladle/pkg/reconciler"
)

func setupJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	if err := j.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleOutcome(id string, started time.Time) *reconciler.RunOutcome {
	return &reconciler.RunOutcome{
		RunID:    id,
		Cookbook: "webserver",
		Policy:   reconciler.PolicyFailFast,
		Resources: []reconciler.ResourceOutcome{
			{ID: "package.nginx", Status: reconciler.StatusApplied, Duration: 1200 * time.Millisecond},
			{ID: "file./etc/nginx/nginx.conf", Status: reconciler.StatusApplied, Duration: 5 * time.Millisecond},
			{ID: "service.nginx", Status: reconciler.StatusFailed, Reason: "unit not found", Duration: 30 * time.Millisecond},
		},
		Success:     false,
		Aborted:     true,
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Second),
	}
}

func TestJournalRequiresPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected empty path to be rejected")
	}
}

func TestRecordAndGetRun(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	outcome := sampleOutcome("run-001", started)
	if err := j.RecordRun(ctx, outcome); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	got, err := j.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if got.Cookbook != "webserver" {
		t.Errorf("unexpected cookbook: %s", got.Cookbook)
	}
	if got.Success || !got.Aborted {
		t.Errorf("unexpected flags: success=%v aborted=%v", got.Success, got.Aborted)
	}
	if got.Policy != reconciler.PolicyFailFast {
		t.Errorf("unexpected policy: %s", got.Policy)
	}

	if len(got.Resources) != 3 {
		t.Fatalf("expected 3 resources, got %d", len(got.Resources))
	}
	// Resource order must match the apply order.
	if got.Resources[0].ID != "package.nginx" || got.Resources[2].ID != "service.nginx" {
		t.Errorf("unexpected resource order: %+v", got.Resources)
	}
	if got.Resources[2].Status != reconciler.StatusFailed || got.Resources[2].Reason != "unit not found" {
		t.Errorf("unexpected failed resource: %+v", got.Resources[2])
	}
	if got.Resources[0].Duration != 1200*time.Millisecond {
		t.Errorf("unexpected duration: %s", got.Resources[0].Duration)
	}
}

func TestGetRunNotFound(t *testing.T) {
	j := setupJournal(t)

	if _, err := j.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("expected missing run to error")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := j.RecordRun(ctx, sampleOutcome(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("failed to record %s: %v", id, err)
		}
	}

	runs, err := j.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-c" || runs[2].RunID != "run-a" {
		t.Errorf("expected newest first, got %s, %s, %s", runs[0].RunID, runs[1].RunID, runs[2].RunID)
	}
	if len(runs[0].Resources) != 0 {
		t.Error("expected listing to omit per-resource results")
	}

	limited, err := j.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list limited runs: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit to apply, got %d runs", len(limited))
	}
}

func TestRecordRunIsTransactional(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()

	outcome := sampleOutcome("run-dup", time.Now().UTC())
	if err := j.RecordRun(ctx, outcome); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	// A duplicate run id violates the primary key; nothing partial persists.
	if err := j.RecordRun(ctx, outcome); err == nil {
		t.Fatal("expected duplicate run id to fail")
	}

	got, err := j.GetRun(ctx, "run-dup")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if len(got.Resources) != 3 {
		t.Errorf("expected the original 3 resources to remain, got %d", len(got.Resources))
	}
}
