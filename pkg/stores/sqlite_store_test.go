package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "history", "convergo.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected error migrating before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to re-run migrations: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests that the schema exists
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"runs", "resource_results", "notification_events", "resource_state"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestRunCRUD tests Run operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	run := &Run{
		ID:        "run-001",
		Name:      "block-storage",
		DryRun:    true,
		Status:    RunStatusRunning,
		StartedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Name != "block-storage" || retrieved.Host != "localhost" || !retrieved.DryRun {
		t.Errorf("unexpected run %+v", retrieved)
	}
	if retrieved.Summary != "{}" {
		t.Errorf("expected empty summary, got %s", retrieved.Summary)
	}
	if !retrieved.StartedAt.Equal(now) {
		t.Errorf("expected StartedAt %v, got %v", now, retrieved.StartedAt)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected CompletedAt to be nil for running run")
	}

	errMsg := "package[cinder-common]: apt-get failed"
	if err := store.CompleteRun(ctx, run.ID, RunStatusFailed, 1, `{"total":3}`, &errMsg); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}
	if updated.Status != RunStatusFailed || updated.ExitCode != 1 {
		t.Errorf("unexpected status %s exit %d", updated.Status, updated.ExitCode)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected error %q, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if updated.Summary != `{"total":3}` {
		t.Errorf("unexpected summary %s", updated.Summary)
	}

	if err := store.CompleteRun(ctx, "missing", RunStatusSucceeded, 0, "{}", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); err == nil {
		t.Error("expected error getting deleted run")
	}
	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

// TestListAndPruneRuns tests ordering and retention
func TestListAndPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"run-a", "run-b", "run-c", "run-d"} {
		run := &Run{ID: id, Name: "site", Status: RunStatusSucceeded, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-d" || runs[1].ID != "run-c" {
		t.Errorf("expected newest first, got %v", runIDs(runs))
	}

	runs, err = store.ListRuns(ctx, 10, 3)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-a" {
		t.Errorf("unexpected page %v", runIDs(runs))
	}

	pruned, err := store.PruneRuns(ctx, 2)
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned runs, got %d", pruned)
	}
	runs, _ = store.ListRuns(ctx, 10, 0)
	if len(runs) != 2 {
		t.Errorf("expected 2 remaining runs, got %v", runIDs(runs))
	}
}

// TestResourceResultsAndNotifications tests per-run records and cascade
func TestResourceResultsAndNotifications(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.CreateRun(ctx, &Run{ID: "run-1", Name: "site", Status: RunStatusRunning, StartedAt: now}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	results := []*ResourceResult{
		{RunID: "run-1", Seq: 2, ResourceType: "service", ResourceName: "cinder-api", Outcome: "updated", StartedAt: now, CompletedAt: now},
		{RunID: "run-1", Seq: 1, ResourceType: "template", ResourceName: "/etc/cinder/api-paste.ini", Outcome: "updated",
			Changes: `[{"property":"content"}]`, StartedAt: now, CompletedAt: now, DurationMS: 12},
	}
	for _, r := range results {
		if err := store.AppendResourceResult(ctx, r); err != nil {
			t.Fatalf("failed to append result: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected result ID to be set")
		}
	}

	listed, err := store.ListResourceResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(listed) != 2 || listed[0].ResourceType != "template" {
		t.Fatalf("expected results in seq order, got %+v", listed)
	}
	if listed[1].Changes != "[]" || listed[1].Triggered != "[]" {
		t.Errorf("expected empty JSON arrays, got %s %s", listed[1].Changes, listed[1].Triggered)
	}

	event := &NotificationEvent{
		RunID:     "run-1",
		Source:    "template[/etc/cinder/api-paste.ini]",
		Target:    "service[cinder-api]",
		Action:    "restart",
		Timing:    "immediate",
		Mode:      "action",
		Fired:     true,
		Timestamp: now,
	}
	if err := store.AppendNotification(ctx, event); err != nil {
		t.Fatalf("failed to append notification: %v", err)
	}
	events, err := store.ListNotifications(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list notifications: %v", err)
	}
	if len(events) != 1 || !events[0].Fired || events[0].Target != "service[cinder-api]" {
		t.Errorf("unexpected events %+v", events)
	}

	if err := store.AppendResourceResult(ctx, &ResourceResult{RunID: "missing", ResourceType: "x", ResourceName: "y",
		Outcome: "updated", StartedAt: now, CompletedAt: now}); err == nil {
		t.Error("expected foreign key error for unknown run")
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	listed, _ = store.ListResourceResults(ctx, "run-1")
	events, _ = store.ListNotifications(ctx, "run-1")
	if len(listed) != 0 || len(events) != 0 {
		t.Errorf("expected cascade delete, got %d results %d events", len(listed), len(events))
	}
}

// TestResourceState tests upserts keep the last change time
func TestResourceState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	changed := time.Now().Add(-time.Minute).Truncate(time.Second)

	state := &ResourceState{
		ResourceType:  "package",
		ResourceName:  "cinder-common",
		Outcome:       "updated",
		LastRunID:     "run-1",
		LastChangedAt: &changed,
	}
	if err := store.UpsertResourceState(ctx, state); err != nil {
		t.Fatalf("failed to upsert state: %v", err)
	}
	if err := store.UpsertResourceState(ctx, &ResourceState{
		ResourceType: "package",
		ResourceName: "cinder-common",
		Outcome:      "unchanged",
		LastRunID:    "run-2",
	}); err != nil {
		t.Fatalf("failed to upsert state: %v", err)
	}

	got, err := store.GetResourceState(ctx, "package", "cinder-common")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if got.Outcome != "unchanged" || got.LastRunID != "run-2" {
		t.Errorf("unexpected state %+v", got)
	}
	if got.LastChangedAt == nil || !got.LastChangedAt.Equal(changed) {
		t.Errorf("expected last change %v to be kept, got %v", changed, got.LastChangedAt)
	}

	if _, err := store.GetResourceState(ctx, "package", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	states, err := store.ListResourceStates(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if len(states) != 1 {
		t.Errorf("expected 1 state, got %d", len(states))
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	return ids
}
