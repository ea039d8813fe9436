package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSourceLocks_SameKeyBlocks(t *testing.T) {
	locks := NewSourceLocks()
	orderChan := make(chan int, 2)

	go func() {
		locks.Lock("/repo")
		orderChan <- 1
		time.Sleep(50 * time.Millisecond)
		locks.Unlock("/repo")
	}()

	time.Sleep(10 * time.Millisecond)

	go func() {
		locks.Lock("/repo")
		orderChan <- 2
		locks.Unlock("/repo")
	}()

	first := <-orderChan
	second := <-orderChan

	if first != 1 || second != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", first, second)
	}
}

func TestSourceLocks_DifferentKeysConcurrent(t *testing.T) {
	locks := NewSourceLocks()
	var wg sync.WaitGroup
	var aLocked, bLocked atomic.Bool

	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = locks.With("/repo-a", func() error {
			aLocked.Store(true)
			time.Sleep(20 * time.Millisecond)
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		_ = locks.With("/repo-b", func() error {
			bLocked.Store(true)
			time.Sleep(20 * time.Millisecond)
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	if !aLocked.Load() || !bLocked.Load() {
		t.Error("Both goroutines should have acquired their locks concurrently")
	}
	wg.Wait()
}

func TestSourceLocks_WithReturnsErrorAndReleases(t *testing.T) {
	locks := NewSourceLocks()
	boom := errors.New("boom")

	if err := locks.With("/repo", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		locks.Lock("/repo")
		close(acquired)
		locks.Unlock("/repo")
	}()

	select {
	case <-acquired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("lock was not released after With returned an error")
	}
}

func TestSourceLocks_NilRunsUnlocked(t *testing.T) {
	var locks *SourceLocks
	called := false
	if err := locks.With("/repo", func() error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("fn was not called")
	}
}
