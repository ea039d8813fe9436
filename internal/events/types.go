package events

import (
	"encoding/json"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskOutput    = "task.output"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskSkipped   = "task.skipped"
	EventTypeRunProgress   = "run.progress"
	EventTypeRunFinished   = "run.finished"
)

// TaskStartedEvent is published when a task's process is about to be spawned.
type TaskStartedEvent struct {
	ID        string
	Name      string
	Ref       string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries one line a task printed.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Stderr    bool
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) Topic() string     { return TopicTask }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task exits 0. Output is the recorded value, if any.
type TaskCompletedEvent struct {
	ID        string
	Name      string
	Output    json.RawMessage
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task cannot be prepared, exits non-zero or its
// output cannot be recorded.
type TaskFailedEvent struct {
	ID        string
	Name      string
	Err       error
	ExitCode  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskSkippedEvent is published for a task that never ran because a dependency failed.
type TaskSkippedEvent struct {
	ID        string
	Name      string
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) Topic() string     { return TopicTask }
func (e TaskSkippedEvent) TaskID() string    { return e.ID }

// RunProgressEvent is published whenever a task changes status.
type RunProgressEvent struct {
	Total     int
	Pending   int
	Running   int
	Succeeded int
	Failed    int
	Skipped   int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) Topic() string     { return TopicRun }
func (e RunProgressEvent) TaskID() string    { return "" }

// Done reports whether every task has reached a final status.
func (e RunProgressEvent) Done() bool {
	return e.Pending == 0 && e.Running == 0
}

// RunFinishedEvent is the last event of a run.
type RunFinishedEvent struct {
	ExitCode  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) Topic() string     { return TopicRun }
func (e RunFinishedEvent) TaskID() string    { return "" }
