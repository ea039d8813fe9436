package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/aristath/nixtask/internal/ctxlog"
	"github.com/aristath/nixtask/internal/persistence"
)

// RetryConfig configures exponential backoff of ledger writes.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         time.Second,
		MaxElapsedTime:      10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Ledger writes one run and its task outcomes to the run history. History is best
// effort: writes retry while the database is busy, and after repeated failures the
// breaker opens and the rest of the run is not recorded.
type Ledger struct {
	store persistence.Store
	cb    *gobreaker.CircuitBreaker
	retry RetryConfig
	runID string
}

// NewLedger creates a Ledger for a new run id.
func NewLedger(store persistence.Store, retry RetryConfig) *Ledger {
	return &Ledger{
		store: store,
		cb:    newLedgerBreaker(),
		retry: retry,
		runID: uuid.NewString(),
	}
}

func newLedgerBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// RunID identifies the run in the ledger.
func (l *Ledger) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

// Start records the beginning of the run.
func (l *Ledger) Start(ctx context.Context, selectors []string, at time.Time) error {
	if l == nil {
		return nil
	}
	return l.write(ctx, func(ctx context.Context) error {
		return l.store.StartRun(ctx, persistence.Run{ID: l.runID, Selectors: selectors, StartedAt: at})
	})
}

// Record stores the outcome of one task.
func (l *Ledger) Record(ctx context.Context, tr persistence.TaskRun) error {
	if l == nil {
		return nil
	}
	tr.RunID = l.runID
	return l.write(ctx, func(ctx context.Context) error {
		return l.store.SaveTaskRun(ctx, tr)
	})
}

// Finish records the exit code of the run.
func (l *Ledger) Finish(ctx context.Context, exitCode int, at time.Time) error {
	if l == nil {
		return nil
	}
	return l.write(ctx, func(ctx context.Context) error {
		return l.store.FinishRun(ctx, l.runID, exitCode, at)
	})
}

// write runs op through the breaker, retrying while the database is busy.
func (l *Ledger) write(ctx context.Context, op func(ctx context.Context) error) error {
	logger := ctxlog.FromContext(ctx)
	before := l.cb.State()
	defer func() {
		if after := l.cb.State(); after != before {
			logger.Warn("run history breaker changed state", "from", before.String(), "to", after.String())
		}
	}()

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := l.cb.Execute(func() (interface{}, error) {
			return nil, op(ctx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if !persistence.IsBusy(err) {
			return backoff.Permanent(err)
		}
		logger.Debug("run history busy, retrying", "error", err)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.retry.InitialInterval
	policy.MaxInterval = l.retry.MaxInterval
	policy.MaxElapsedTime = l.retry.MaxElapsedTime
	policy.Multiplier = l.retry.Multiplier
	policy.RandomizationFactor = l.retry.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
