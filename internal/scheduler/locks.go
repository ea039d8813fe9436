package scheduler

import (
	"sync"
)

// SourceLocks serialises work that touches the same source tree. Evaluating a flake may
// take git locks inside the repository, so two evaluator calls against one flake must not
// overlap even when their tasks run concurrently. Calls for different keys proceed in
// parallel.
type SourceLocks struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-source mutexes
}

// NewSourceLocks creates an empty lock set.
func NewSourceLocks() *SourceLocks {
	return &SourceLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for key, creating it on first use.
func (s *SourceLocks) Lock(key string) {
	s.mu.Lock()
	l, exists := s.locks[key]
	if !exists {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	// Acquire outside the map lock so other keys are not blocked
	l.Lock()
}

// Unlock releases the mutex for key.
func (s *SourceLocks) Unlock(key string) {
	s.mu.Lock()
	l, exists := s.locks[key]
	s.mu.Unlock()

	if exists {
		l.Unlock()
	}
}

// With runs fn while holding the lock for key. A nil receiver runs fn unlocked.
func (s *SourceLocks) With(key string, fn func() error) error {
	if s == nil {
		return fn()
	}
	s.Lock(key)
	defer s.Unlock(key)
	return fn()
}
