package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/nixtask/internal/persistence"
)

// failingStore fails every write with err and counts the attempts.
type failingStore struct {
	persistence.Store

	mu    sync.Mutex
	err   error
	calls int
}

func (s *failingStore) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *failingStore) StartRun(context.Context, persistence.Run) error { return s.fail() }

func (s *failingStore) SaveTaskRun(context.Context, persistence.TaskRun) error { return s.fail() }

func (s *failingStore) FinishRun(context.Context, string, int, time.Time) error { return s.fail() }

func (s *failingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      100 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

// TestLedger_NonBusyErrorNotRetried verifies that only a busy database is retried.
func TestLedger_NonBusyErrorNotRetried(t *testing.T) {
	store := &failingStore{err: errors.New("disk I/O error")}
	ledger := NewLedger(store, fastRetry())

	err := ledger.Start(context.Background(), nil, time.Now())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if store.Calls() != 1 {
		t.Errorf("expected 1 attempt, got %d", store.Calls())
	}
}

// TestLedger_BreakerOpensAfterConsecutiveFailures verifies the store is left alone once
// the breaker has tripped.
func TestLedger_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	store := &failingStore{err: errors.New("database disk image is malformed")}
	ledger := NewLedger(store, fastRetry())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ledger.Record(ctx, persistence.TaskRun{TaskID: "a"}); err == nil {
			t.Fatalf("write %d: expected error", i)
		}
	}

	err := ledger.Record(ctx, persistence.TaskRun{TaskID: "a"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if store.Calls() != 3 {
		t.Errorf("expected 3 attempts to reach the store, got %d", store.Calls())
	}
}

// TestLedger_CancelledContextDoesNotTrip verifies cancellation is not counted against
// the store.
func TestLedger_CancelledContextDoesNotTrip(t *testing.T) {
	store := &failingStore{}
	ledger := NewLedger(store, fastRetry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		if err := ledger.Finish(ctx, 0, time.Now()); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
	if state := ledger.cb.State(); state != gobreaker.StateClosed {
		t.Errorf("expected closed breaker, got %s", state)
	}
}

// TestLedger_Nil verifies a nil ledger records nothing.
func TestLedger_Nil(t *testing.T) {
	var ledger *Ledger
	ctx := context.Background()

	if err := ledger.Start(ctx, []string{".#"}, time.Now()); err != nil {
		t.Errorf("Start: %v", err)
	}
	if err := ledger.Record(ctx, persistence.TaskRun{}); err != nil {
		t.Errorf("Record: %v", err)
	}
	if err := ledger.Finish(ctx, 0, time.Now()); err != nil {
		t.Errorf("Finish: %v", err)
	}
	if ledger.RunID() != "" {
		t.Errorf("expected empty run id, got %q", ledger.RunID())
	}
}

// TestLedger_MemoryStore verifies a full run lands in the ledger.
func TestLedger_MemoryStore(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	defer store.Close()

	ledger := NewLedger(store, DefaultRetryConfig())
	if err := ledger.Start(ctx, []string{".#build"}, time.Now()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ledger.Record(ctx, persistence.TaskRun{TaskID: "a", Name: "build", Status: "succeeded", Duration: time.Second}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := ledger.Finish(ctx, ExitSuccess, time.Now()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != ledger.RunID() || !runs[0].Finished() {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	trs, err := store.GetTaskRuns(ctx, ledger.RunID())
	if err != nil {
		t.Fatalf("GetTaskRuns: %v", err)
	}
	if len(trs) != 1 || trs[0].RunID != ledger.RunID() || trs[0].Duration != time.Second {
		t.Errorf("unexpected task runs: %+v", trs)
	}
}

// TestRecorder_WritesEverythingBeforeStop verifies stop waits for queued outcomes.
func TestRecorder_WritesEverythingBeforeStop(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	defer store.Close()

	ledger := NewLedger(store, DefaultRetryConfig())
	if err := ledger.Start(ctx, nil, time.Now()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	rec := newRecorder(ledger, 1)
	rec.start(cctx)
	cancel()

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		rec.record(persistence.TaskRun{TaskID: id, Status: "succeeded"})
	}
	rec.stop()

	trs, err := store.GetTaskRuns(ctx, ledger.RunID())
	if err != nil {
		t.Fatalf("GetTaskRuns: %v", err)
	}
	if len(trs) != len(ids) {
		t.Errorf("expected %d task runs, got %d", len(ids), len(trs))
	}
}
