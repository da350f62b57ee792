package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/surgecd/surge/pkg/engine"
)

// setupTestStore creates a SQLite store backed by a temp file
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// sampleResult builds a finished two-resource run for recording tests
func sampleResult(runID string, start time.Time) *engine.DeploymentResult {
	return &engine.DeploymentResult{
		RunID:       runID,
		PlanID:      "plan-abc123",
		Environment: "staging",
		Status:      engine.RunStatusFailed,
		Success:     false,
		StartTime:   start,
		EndTime:     start.Add(3 * time.Second),
		Resources: map[string]*engine.ExecutionResult{
			"net": {
				ResourceID: "net",
				Action:     engine.ActionCreate,
				Status:     engine.StatusSuccess,
				StartTime:  start,
				EndTime:    start.Add(time.Second),
				Attempts:   1,
			},
			"db": {
				ResourceID: "db",
				Action:     engine.ActionCreate,
				Status:     engine.StatusFailed,
				StartTime:  start.Add(time.Second),
				EndTime:    start.Add(3 * time.Second),
				Attempts:   3,
				Error: &engine.DeployError{
					Class:    engine.ErrorClassTransient,
					Code:     "TIMEOUT",
					Message:  "connection timed out",
					Resource: "db",
				},
			},
		},
		Waves: []engine.WaveResult{
			{Index: 0, Succeeded: 1, Failed: 1},
		},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreRequiresPath tests that an empty path is rejected
func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"runs", "run_resources", "run_events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Re-running migrations must be a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// TestRecordRunRoundTrip tests recording and reading back a run
func TestRecordRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	if err := store.RecordRun(ctx, sampleResult("run-1", start)); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.PlanID != "plan-abc123" {
		t.Errorf("plan id = %q, want plan-abc123", run.PlanID)
	}
	if run.Environment != "staging" {
		t.Errorf("environment = %q, want staging", run.Environment)
	}
	if run.Status != string(engine.RunStatusFailed) {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if run.Success {
		t.Error("run should not be marked successful")
	}
	if run.ResourceCount != 2 {
		t.Errorf("resource count = %d, want 2", run.ResourceCount)
	}
	if run.CompletedAt == nil {
		t.Error("completed_at should be set")
	}

	resources, err := store.ListRunResources(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list resource results: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("got %d resource results, want 2", len(resources))
	}

	byID := map[string]*RunResource{}
	for _, r := range resources {
		byID[r.ResourceID] = r
	}

	net := byID["net"]
	if net == nil {
		t.Fatal("missing result for net")
	}
	if net.Status != string(engine.StatusSuccess) || net.Attempts != 1 {
		t.Errorf("net = %s/%d attempts, want success/1", net.Status, net.Attempts)
	}
	if net.ErrorClass != nil {
		t.Errorf("net should have no error, got class %q", *net.ErrorClass)
	}

	db := byID["db"]
	if db == nil {
		t.Fatal("missing result for db")
	}
	if db.Status != string(engine.StatusFailed) || db.Attempts != 3 {
		t.Errorf("db = %s/%d attempts, want failed/3", db.Status, db.Attempts)
	}
	if db.ErrorClass == nil || *db.ErrorClass != string(engine.ErrorClassTransient) {
		t.Error("db error class should be transient")
	}
	if db.ErrorCode == nil || *db.ErrorCode != "TIMEOUT" {
		t.Error("db error code should be TIMEOUT")
	}
	if db.ErrorMsg == nil || *db.ErrorMsg == "" {
		t.Error("db error message should be recorded")
	}
}

// TestRecordRunReplacesPreviousRecord tests that re-recording a run ID
// replaces the run and its resource results (resumed runs)
func TestRecordRunReplacesPreviousRecord(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	if err := store.RecordRun(ctx, sampleResult("run-1", start)); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	// Same run recorded again after a resume, now succeeded.
	resumed := sampleResult("run-1", start)
	resumed.Status = engine.RunStatusSucceeded
	resumed.Success = true
	resumed.Resources["db"].Status = engine.StatusSuccess
	resumed.Resources["db"].Error = nil
	if err := store.RecordRun(ctx, resumed); err != nil {
		t.Fatalf("failed to re-record run: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != string(engine.RunStatusSucceeded) || !run.Success {
		t.Errorf("run = %s/success=%v, want succeeded/true", run.Status, run.Success)
	}

	resources, err := store.ListRunResources(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list resource results: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("got %d resource results after replace, want 2", len(resources))
	}
	for _, r := range resources {
		if r.Status != string(engine.StatusSuccess) {
			t.Errorf("resource %s = %s, want success", r.ResourceID, r.Status)
		}
	}
}

// TestRecordEvents tests appending and reading progress events
func TestRecordEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []engine.ProgressEvent{
		{RunID: "run-1", Wave: 0, Message: "wave 0 started", Timestamp: time.Now()},
		{RunID: "run-1", ResourceID: "net", Wave: 0, Status: engine.StatusInProgress, Message: "creating net", Timestamp: time.Now()},
		{RunID: "run-1", ResourceID: "net", Wave: 0, Status: engine.StatusSuccess, Message: "created net", Timestamp: time.Now()},
		{RunID: "run-other", Wave: 0, Message: "unrelated", Timestamp: time.Now()},
	}
	for _, ev := range events {
		if err := store.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("failed to record event: %v", err)
		}
	}

	got, err := store.GetEvents(ctx, "run-1", 100, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Message != "wave 0 started" {
		t.Errorf("events out of order: first = %q", got[0].Message)
	}
	if got[0].ResourceID != nil {
		t.Error("wave event should have no resource id")
	}
	if got[1].Status == nil || *got[1].Status != string(engine.StatusInProgress) {
		t.Error("second event should be in_progress")
	}

	// Pagination
	page, err := store.GetEvents(ctx, "run-1", 2, 1)
	if err != nil {
		t.Fatalf("failed to get event page: %v", err)
	}
	if len(page) != 2 || page[0].Message != "creating net" {
		t.Errorf("unexpected page: %d events, first %q", len(page), page[0].Message)
	}
}

// TestListRuns tests run listing order and pagination
func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		res := sampleResult(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := store.RecordRun(ctx, res); err != nil {
			t.Fatalf("failed to record run %d: %v", i, err)
		}
	}

	runs, err := store.ListRuns(ctx, 3, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if runs[0].ID != "run-4" || runs[1].ID != "run-3" {
		t.Errorf("runs not in reverse chronological order: %s, %s", runs[0].ID, runs[1].ID)
	}

	rest, err := store.ListRuns(ctx, 10, 3)
	if err != nil {
		t.Fatalf("failed to list remaining runs: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != "run-1" {
		t.Errorf("unexpected remainder: %d runs", len(rest))
	}
}

// TestDeleteRun tests run deletion with cascade
func TestDeleteRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	if err := store.RecordRun(ctx, sampleResult("run-1", start)); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}
	if err := store.RecordEvent(ctx, engine.ProgressEvent{RunID: "run-1", Message: "started", Timestamp: start}); err != nil {
		t.Fatalf("failed to record event: %v", err)
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	if _, err := store.GetRun(ctx, "run-1"); err == nil {
		t.Error("expected error getting deleted run")
	}

	resources, err := store.ListRunResources(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list resource results: %v", err)
	}
	if len(resources) != 0 {
		t.Errorf("resource results not cascaded: %d remain", len(resources))
	}

	events, err := store.GetEvents(ctx, "run-1", 100, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events not deleted: %d remain", len(events))
	}

	if err := store.DeleteRun(ctx, "run-1"); err == nil {
		t.Error("expected error deleting missing run")
	}
}

// TestPrune tests retention pruning
func TestPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		runID := fmt.Sprintf("run-%d", i)
		if err := store.RecordRun(ctx, sampleResult(runID, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("failed to record run %d: %v", i, err)
		}
		if err := store.RecordEvent(ctx, engine.ProgressEvent{RunID: runID, Message: "started", Timestamp: base}); err != nil {
			t.Fatalf("failed to record event %d: %v", i, err)
		}
	}

	deleted, err := store.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if deleted != 3 {
		t.Errorf("pruned %d runs, want 3", deleted)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs after prune, want 2", len(runs))
	}
	if runs[0].ID != "run-4" || runs[1].ID != "run-3" {
		t.Errorf("wrong runs kept: %s, %s", runs[0].ID, runs[1].ID)
	}

	// Events of pruned runs must be gone
	events, err := store.GetEvents(ctx, "run-0", 100, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("pruned run still has %d events", len(events))
	}

	if _, err := store.Prune(ctx, -1); err == nil {
		t.Error("expected error for negative keep")
	}
}
