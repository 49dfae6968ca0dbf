package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask      = "task"      // Per-task lifecycle
	TopicGraph     = "graph"     // Aggregate progress
	TopicScheduler = "scheduler" // Concurrency limit changes
)

// Event type constants
const (
	EventTypeTaskSubmitted      = "task.submitted"
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskRetrying       = "task.retrying"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeTaskCancelled      = "task.cancelled"
	EventTypeConcurrencyChanged = "scheduler.concurrency_changed"
	EventTypeProgress           = "graph.progress"
)

// TaskInfo identifies the task an event is about.
type TaskInfo struct {
	ID        string
	Name      string
	Kind      string
	Agent     string
	Priority  int
	Attempts  int
	CreatedAt time.Time
	StartedAt time.Time
}

// TaskSubmittedEvent is published when a task is accepted into the graph.
type TaskSubmittedEvent struct {
	TaskInfo
	Dependencies []string
	Timestamp    time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when an attempt begins execution.
type TaskStartedEvent struct {
	TaskInfo
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when a failed attempt is scheduled again.
type TaskRetryingEvent struct {
	TaskInfo
	Err       error
	Delay     time.Duration
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	TaskInfo
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails terminally.
type TaskFailedEvent struct {
	TaskInfo
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled, directly or
// because a dependency failed.
type TaskCancelledEvent struct {
	TaskInfo
	Err       error
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// ConcurrencyChangedEvent is published when the adaptive limit moves.
type ConcurrencyChangedEvent struct {
	Previous  int
	Limit     int
	Action    string
	Reason    string
	Timestamp time.Time
}

func (e ConcurrencyChangedEvent) EventType() string { return EventTypeConcurrencyChanged }
func (e ConcurrencyChangedEvent) TaskID() string    { return "" }

// ProgressEvent is published when graph counts change.
type ProgressEvent struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Limit     int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() string    { return "" }

// Done reports whether every task reached a terminal state.
func (e ProgressEvent) Done() bool {
	return e.Total > 0 && e.Completed+e.Failed+e.Cancelled == e.Total
}
