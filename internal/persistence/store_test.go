package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func startRun(t *testing.T, store Store, id string, at time.Time, selectors ...string) {
	t.Helper()
	if err := store.StartRun(context.Background(), Run{ID: id, Selectors: selectors, StartedAt: at}); err != nil {
		t.Fatalf("failed to start run %s: %v", id, err)
	}
}

func TestStartAndFinishRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	startRun(t, store, "run-1", start, ".#tasks.build", ".#tasks.test")

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Finished() || runs[0].ExitCode != -1 {
		t.Errorf("unfinished run reported as finished: %+v", runs[0])
	}

	if err := store.FinishRun(ctx, "run-1", 1, start.Add(3*time.Second)); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	runs, err = store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	want := Run{
		ID:         "run-1",
		Selectors:  []string{".#tasks.build", ".#tasks.test"},
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		ExitCode:   1,
	}
	if diff := cmp.Diff(want, runs[0]); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}
}

func TestFinishRunNotFound(t *testing.T) {
	store := testStore(t)
	err := store.FinishRun(context.Background(), "missing", 0, time.Now())
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStartRunRequiresID(t *testing.T) {
	store := testStore(t)
	if err := store.StartRun(context.Background(), Run{StartedAt: time.Now()}); err == nil {
		t.Error("expected error for run without id")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := testStore(t)
	base := time.UnixMilli(1_700_000_000_000)

	startRun(t, store, "old", base)
	startRun(t, store, "new", base.Add(2*time.Minute))
	startRun(t, store, "mid", base.Add(time.Minute))

	tests := []struct {
		limit int
		want  []string
	}{
		{limit: 2, want: []string{"new", "mid"}},
		{limit: 0, want: []string{"new", "mid", "old"}},
		{limit: 10, want: []string{"new", "mid", "old"}},
	}
	for _, tt := range tests {
		runs, err := store.ListRuns(context.Background(), tt.limit)
		if err != nil {
			t.Fatalf("limit %d: failed to list runs: %v", tt.limit, err)
		}
		var got []string
		for _, r := range runs {
			got = append(got, r.ID)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("limit %d: order mismatch (-want +got):\n%s", tt.limit, diff)
		}
	}
}

func TestSaveAndGetTaskRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	startRun(t, store, "run-1", time.Now())

	records := []TaskRun{
		{RunID: "run-1", TaskID: "aaaa", Name: "build", Ref: ".#tasks.build", Status: "succeeded", Duration: 1500 * time.Millisecond},
		{RunID: "run-1", TaskID: "bbbb", Name: "test", Ref: ".#tasks.test", Status: "failed", Error: "exit status 2", Duration: 20 * time.Millisecond},
		{RunID: "run-1", TaskID: "cccc", Name: "deploy", Ref: ".#tasks.deploy", Status: "skipped"},
	}
	for _, tr := range records {
		if err := store.SaveTaskRun(ctx, tr); err != nil {
			t.Fatalf("failed to save task run %s: %v", tr.TaskID, err)
		}
	}

	got, err := store.GetTaskRuns(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get task runs: %v", err)
	}
	if diff := cmp.Diff(records, got); diff != "" {
		t.Errorf("task runs mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveTaskRunIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	startRun(t, store, "run-1", time.Now())

	tr := TaskRun{RunID: "run-1", TaskID: "aaaa", Name: "build", Ref: ".#tasks.build", Status: "running"}
	if err := store.SaveTaskRun(ctx, tr); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	tr.Status = "succeeded"
	tr.Duration = time.Second
	if err := store.SaveTaskRun(ctx, tr); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, err := store.GetTaskRuns(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get task runs: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 task run after upsert, got %d", len(got))
	}
	if got[0].Status != "succeeded" || got[0].Duration != time.Second {
		t.Errorf("upsert did not replace the record: %+v", got[0])
	}
}

func TestForeignKeyEnforced(t *testing.T) {
	store := testStore(t)
	err := store.SaveTaskRun(context.Background(), TaskRun{RunID: "missing", TaskID: "aaaa", Name: "x", Ref: "x", Status: "failed"})
	if err == nil {
		t.Error("expected foreign key error for task of an unknown run")
	}
}

func TestGetTaskRunsUnknownRun(t *testing.T) {
	store := testStore(t)
	_, err := store.GetTaskRuns(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	startRun(t, a, "only-in-a", time.Now())

	runs, err := b.ListRuns(context.Background(), 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected an empty second store, got %d runs", len(runs))
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "history.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	startRun(t, store, "run-1", time.Now(), ".#tasks")
	if err := store.FinishRun(ctx, "run-1", 0, time.Now()); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	runs, err := reopened.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ExitCode != 0 || !runs[0].Finished() {
		t.Errorf("run not persisted across reopen: %+v", runs)
	}
}
