package events

import (
	"fmt"
	"testing"
	"time"
)

func started(id string) TaskStartedEvent {
	return TaskStartedEvent{ID: id, Name: "build", Ref: "tasks.build", Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(started("abc123"))

	select {
	case received := <-ch:
		if received.TaskID() != "abc123" {
			t.Errorf("expected task ID 'abc123', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TaskCompletedEvent{
		ID:        "task-2",
		Output:    []byte(`{"version":"1.2"}`),
		Duration:  100 * time.Millisecond,
		Timestamp: time.Now(),
	})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// A slow subscriber loses events instead of stalling the engine.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TaskOutputEvent{ID: "t", Line: fmt.Sprintf("line %d", i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	received := <-ch
	if out, ok := received.(TaskOutputEvent); !ok || out.Line != "line 0" {
		t.Errorf("expected the first line to be buffered, got %#v", received)
	}
	select {
	case extra := <-ch:
		t.Errorf("expected the rest to be dropped, got %#v", extra)
	default:
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for range ch {
		t.Error("received event after close")
	}
	for range all {
		t.Error("received event after close")
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Publish(started("task-1"))

	if _, ok := <-ch; ok {
		t.Error("received event after bus was closed")
	}

	late := bus.Subscribe(TopicRun, 1)
	if _, ok := <-late; ok {
		t.Error("subscription on a closed bus should be closed")
	}
}

func TestNilBus(t *testing.T) {
	var bus *EventBus
	bus.Publish(started("task-1"))
	bus.Close()
}

func TestMultipleTopics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	runCh := bus.Subscribe(TopicRun, 10)

	bus.Publish(started("task-1"))
	bus.Publish(RunProgressEvent{Total: 3, Pending: 1, Running: 1, Succeeded: 1, Timestamp: time.Now()})

	select {
	case received := <-taskCh:
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("task channel: expected task event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task channel: timeout waiting for event")
	}

	select {
	case received := <-runCh:
		if received.EventType() != EventTypeRunProgress {
			t.Errorf("run channel: expected progress event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("run channel: timeout waiting for event")
	}

	select {
	case <-taskCh:
		t.Error("task channel received unexpected event")
	case <-runCh:
		t.Error("run channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TaskSkippedEvent{ID: "c", Name: "deploy", Timestamp: time.Now()})
	bus.Publish(RunFinishedEvent{ExitCode: 1, Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTypeTaskSkipped] {
		t.Error("SubscribeAll did not receive task event")
	}
	if !receivedTypes[EventTypeRunFinished] {
		t.Error("SubscribeAll did not receive run event")
	}
}

func TestRunProgressDone(t *testing.T) {
	tests := []struct {
		name string
		ev   RunProgressEvent
		want bool
	}{
		{"pending", RunProgressEvent{Total: 2, Pending: 1, Succeeded: 1}, false},
		{"running", RunProgressEvent{Total: 2, Running: 1, Failed: 1}, false},
		{"finished", RunProgressEvent{Total: 3, Succeeded: 1, Failed: 1, Skipped: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Done(); got != tt.want {
				t.Errorf("Done() = %v, want %v", got, tt.want)
			}
		})
	}
}
