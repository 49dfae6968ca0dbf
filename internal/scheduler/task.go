package scheduler

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskReady                       // All dependencies completed, waiting for admission
	TaskRunning                     // An attempt is executing
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Finished with error, retries exhausted
	TaskCancelled                   // Cancelled directly or blocked by a failed dependency
)

// String returns the lowercase name of the status.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Definition is the opaque description of the work a task performs.
// The orchestrator never interprets it; executors do.
type Definition struct {
	Name   string            // Human-readable name
	Kind   string            // Executor selector (e.g., "shell")
	Input  string            // Command line, prompt, URL...
	Params map[string]string // Executor-specific parameters
}

// Task represents a unit of work in the graph.
type Task struct {
	ID           string
	Definition   Definition
	Status       TaskStatus
	Dependencies []string // Task IDs that must complete first
	Dependents   []string // Derived reverse edges, filled in by the graph
	Priority     int      // Lower value dispatches first
	Agent        string   // Quota pool; empty means unconstrained
	MemoryMB     int      // Memory estimate reserved at admission
	Resources    []string // Exclusive resource keys held while running
	Timeout      time.Duration
	RetryCount   int
	MaxRetries   int
	Attempts     int
	Result       string
	Err          error
	Seq          uint64    // Submission order, FIFO tie-break
	NotBefore    time.Time // Retry backoff gate
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Duration returns the wall-clock time between the first start and completion.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.Dependencies != nil {
		cp.Dependencies = append([]string(nil), task.Dependencies...)
	}
	if task.Dependents != nil {
		cp.Dependents = append([]string(nil), task.Dependents...)
	}
	if task.Resources != nil {
		cp.Resources = append([]string(nil), task.Resources...)
	}
	if task.Definition.Params != nil {
		params := make(map[string]string, len(task.Definition.Params))
		for k, v := range task.Definition.Params {
			params[k] = v
		}
		cp.Definition.Params = params
	}
	return &cp
}
