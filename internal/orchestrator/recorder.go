package orchestrator

import (
	"context"

	"github.com/aristath/nixtask/internal/ctxlog"
	"github.com/aristath/nixtask/internal/persistence"
)

// recorder hands task outcomes to the ledger from a single goroutine so a busy history
// database never holds up a worker slot.
type recorder struct {
	ledger *Ledger
	queue  chan persistence.TaskRun
	done   chan struct{}
}

// newRecorder creates a recorder. bufferSize should be at least the concurrency limit.
func newRecorder(ledger *Ledger, bufferSize int) *recorder {
	return &recorder{
		ledger: ledger,
		queue:  make(chan persistence.TaskRun, bufferSize),
		done:   make(chan struct{}),
	}
}

// start launches the writer goroutine. It keeps writing after ctx is cancelled so the
// outcomes of an interrupted run still land; stop ends it.
func (r *recorder) start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(r.done)
		logger := ctxlog.FromContext(ctx)
		for tr := range r.queue {
			if err := r.ledger.Record(ctx, tr); err != nil {
				logger.Warn("failed to record task in run history", "task", tr.Ref, "error", err)
			}
		}
	}()
}

// record queues a task outcome. It blocks only while the queue is full.
func (r *recorder) record(tr persistence.TaskRun) {
	r.queue <- tr
}

// stop waits until every queued outcome has been written.
func (r *recorder) stop() {
	close(r.queue)
	<-r.done
}
