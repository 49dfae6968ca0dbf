package events

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func startedEvent(id string) TaskStartedEvent {
	return TaskStartedEvent{
		TaskInfo:  TaskInfo{ID: id, Name: "Test Task", Agent: "coder"},
		Attempt:   1,
		Timestamp: time.Now(),
	}
}

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, startedEvent("task-1"))

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	event := TaskCompletedEvent{
		TaskInfo:  TaskInfo{ID: "task-2"},
		Result:    "success",
		Duration:  100 * time.Millisecond,
		Timestamp: time.Now(),
	}

	bus.Publish(TopicTask, event)

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

// TestNonBlockingSend verifies that publishing doesn't block when channels are
// full and that skipped deliveries are counted.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, startedEvent(fmt.Sprintf("task-%d", i)))
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received.TaskID() != "task-0" {
			t.Errorf("first buffered event = %s, want task-0", received.TaskID())
		}
	default:
		t.Error("expected at least one event in buffer")
	}

	if bus.Dropped() != 9 {
		t.Errorf("Dropped() = %d, want 9", bus.Dropped())
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Close()
	bus.Close() // idempotent

	received := 0
	for range ch {
		received++
	}
	if received != 0 {
		t.Errorf("expected 0 events after close, got %d", received)
	}

	late := bus.SubscribeAll(1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)

	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()

	bus.Publish(TopicTask, startedEvent("task-1"))

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after bus was closed")
		}
	default:
	}
}

// TestMultipleTopics verifies topic isolation.
func TestMultipleTopics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	graphCh := bus.Subscribe(TopicGraph, 10)

	bus.Publish(TopicTask, startedEvent("task-1"))
	bus.Publish(TopicGraph, ProgressEvent{Total: 10, Completed: 5, Running: 2, Pending: 3, Timestamp: time.Now()})

	select {
	case received := <-taskCh:
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("task channel: expected task event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task channel: timeout waiting for event")
	}

	select {
	case received := <-graphCh:
		if received.EventType() != EventTypeProgress {
			t.Errorf("graph channel: expected progress event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("graph channel: timeout waiting for event")
	}

	select {
	case <-taskCh:
		t.Error("task channel received unexpected event")
	case <-graphCh:
		t.Error("graph channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestSubscribeAll verifies that SubscribeAll receives events from all topics.
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, startedEvent("task-1"))
	bus.Publish(TopicScheduler, ConcurrencyChangedEvent{Previous: 8, Limit: 4, Action: "decrease", Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTypeTaskStarted] {
		t.Error("SubscribeAll did not receive task event")
	}
	if !receivedTypes[EventTypeConcurrencyChanged] {
		t.Error("SubscribeAll did not receive scheduler event")
	}

	select {
	case <-allCh:
		t.Error("received unexpected third event")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestUnsubscribe verifies a removed subscriber is closed and skipped.
func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	keep := bus.Subscribe(TopicTask, 10)
	drop := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Unsubscribe(drop)
	bus.Unsubscribe(all)
	bus.Unsubscribe(make(chan Event)) // unknown, ignored

	if _, ok := <-drop; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("unsubscribed all-topics channel should be closed")
	}

	bus.Publish(TopicTask, startedEvent("task-1"))
	select {
	case <-keep:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber missed event")
	}
}

func TestEventTaskIDs(t *testing.T) {
	cause := errors.New("boom")
	info := TaskInfo{ID: "t"}
	tests := []struct {
		event    Event
		wantType string
		wantID   string
	}{
		{TaskSubmittedEvent{TaskInfo: info}, EventTypeTaskSubmitted, "t"},
		{TaskRetryingEvent{TaskInfo: info, Err: cause}, EventTypeTaskRetrying, "t"},
		{TaskFailedEvent{TaskInfo: info, Err: cause}, EventTypeTaskFailed, "t"},
		{TaskCancelledEvent{TaskInfo: info, Err: cause}, EventTypeTaskCancelled, "t"},
		{ProgressEvent{}, EventTypeProgress, ""},
	}
	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			if tt.event.EventType() != tt.wantType || tt.event.TaskID() != tt.wantID {
				t.Errorf("got (%s, %q), want (%s, %q)", tt.event.EventType(), tt.event.TaskID(), tt.wantType, tt.wantID)
			}
		})
	}

	if !(ProgressEvent{Total: 3, Completed: 1, Failed: 1, Cancelled: 1}).Done() {
		t.Error("all-terminal progress should report Done")
	}
	if (ProgressEvent{}).Done() {
		t.Error("empty progress should not report Done")
	}
}
