package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// SubmitOption configures a submitted task.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	id         string
	deps       []string
	priority   int
	agent      string
	timeout    *time.Duration
	maxRetries *int
	memoryMB   int
	resources  []string
}

// WithID uses id instead of a generated UUID. Submit fails with
// scheduler.ErrDuplicateTask if the id is taken.
func WithID(id string) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// WithDependencies sets the tasks that must complete first.
func WithDependencies(ids ...string) SubmitOption {
	return func(o *submitOptions) { o.deps = append(o.deps, ids...) }
}

// WithPriority sets the dispatch priority. LOWER values dispatch first;
// equal priorities dispatch in submission order.
func WithPriority(p int) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

// WithAgent assigns the task to an agent quota pool. Tasks without an agent
// are only bound by the global concurrency limit.
func WithAgent(agent string) SubmitOption {
	return func(o *submitOptions) { o.agent = agent }
}

// WithTimeout bounds each attempt. Zero disables the timeout.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = &d }
}

// WithMaxRetries sets how many times a failed attempt is retried.
func WithMaxRetries(n int) SubmitOption {
	return func(o *submitOptions) { o.maxRetries = &n }
}

// WithMemory sets the memory estimate reserved against the agent quota.
func WithMemory(mb int) SubmitOption {
	return func(o *submitOptions) { o.memoryMB = mb }
}

// WithResources declares exclusive resource keys (for example file paths).
// Two tasks sharing a key never run at the same time.
func WithResources(keys ...string) SubmitOption {
	return func(o *submitOptions) { o.resources = append(o.resources, keys...) }
}

// Submit adds a task to the graph and returns its ID without waiting for it
// to run. Unknown dependencies and cycles are rejected synchronously.
func (o *Orchestrator) Submit(ctx context.Context, def scheduler.Definition, opts ...SubmitOption) (string, error) {
	so := submitOptions{}
	for _, opt := range opts {
		opt(&so)
	}

	task := &scheduler.Task{
		ID:           so.id,
		Definition:   def,
		Dependencies: so.deps,
		Priority:     so.priority,
		Agent:        so.agent,
		MemoryMB:     so.memoryMB,
		Resources:    so.resources,
		Timeout:      o.cfg.DefaultTimeout,
		MaxRetries:   o.cfg.DefaultMaxRetries,
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if so.timeout != nil {
		task.Timeout = *so.timeout
	}
	if so.maxRetries != nil {
		task.MaxRetries = *so.maxRetries
	}
	if task.Timeout < 0 || task.MaxRetries < 0 || task.MemoryMB < 0 {
		return "", fmt.Errorf("task %q: timeout, retries and memory must not be negative", task.ID)
	}

	var err error
	doErr := o.do(ctx, func() {
		if o.closing {
			err = ErrShutdown
			return
		}
		if err = o.resources.Fits(task.Agent, task.MemoryMB); err != nil {
			return
		}
		if err = o.graph.AddTask(task); err != nil {
			return
		}

		o.futMu.Lock()
		o.futures[task.ID] = &future{done: make(chan struct{})}
		o.futMu.Unlock()

		stored, _ := o.graph.Get(task.ID)
		o.log.WithFields(logrus.Fields{"task_id": task.ID, "agent": task.Agent, "status": stored.Status}).Debug("task submitted")
		o.publish(events.TopicTask, events.TaskSubmittedEvent{
			TaskInfo:     taskInfo(stored),
			Dependencies: stored.Dependencies,
			Timestamp:    time.Now(),
		})

		// A dependency that already failed cancels the task on arrival
		if stored.Status.Terminal() {
			o.settle(task.ID)
		}
	})
	if doErr != nil {
		return "", doErr
	}
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// AddDependency makes taskID wait for depID. taskID must not have started.
func (o *Orchestrator) AddDependency(ctx context.Context, taskID, depID string) error {
	var err error
	if doErr := o.do(ctx, func() { err = o.graph.AddDependency(taskID, depID) }); doErr != nil {
		return doErr
	}
	return err
}

// Cancel cancels a task. Unstarted tasks are cancelled at once and their
// dependents cascade; a running task is signalled and becomes Cancelled when
// its executor returns. Returns false if the task was already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (bool, error) {
	var (
		cancelled bool
		err       error
	)
	doErr := o.do(ctx, func() {
		task, ok := o.graph.Get(taskID)
		if !ok {
			err = fmt.Errorf("%w: %q", scheduler.ErrTaskNotFound, taskID)
			return
		}
		switch {
		case task.Status.Terminal():
			return
		case task.Status == scheduler.TaskRunning:
			o.cancelRunning(taskID, scheduler.ErrCancelled)
			cancelled = true
		default:
			if err = o.graph.MarkCancelled(taskID, scheduler.ErrCancelled); err != nil {
				return
			}
			cancelled = true
			o.settle(taskID)
			o.cascade(taskID)
		}
		if cancelled {
			o.log.WithField("task_id", taskID).Info("task cancellation requested")
		}
	})
	if doErr != nil {
		return false, doErr
	}
	return cancelled, err
}

// Wait blocks until the task is terminal, ctx is done, or timeout elapses
// (zero waits indefinitely). The returned error is the task's terminal error,
// ErrWaitTimeout, or ctx.Err(). Waiting again on a finished task returns the
// same result. Wait does not need the scheduling goroutine.
//
// With a positive Retention, a finished task is evicted once it has been
// terminal for that long; Wait on its id then returns ErrTaskNotFound.
func (o *Orchestrator) Wait(ctx context.Context, taskID string, timeout time.Duration) (TaskResult, error) {
	o.futMu.Lock()
	f, ok := o.futures[taskID]
	o.futMu.Unlock()
	if !ok {
		return TaskResult{ID: taskID}, fmt.Errorf("%w: %q", scheduler.ErrTaskNotFound, taskID)
	}

	select {
	case <-f.done:
		return f.result, f.result.Err
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-f.done:
		return f.result, f.result.Err
	case <-expired:
		return TaskResult{ID: taskID}, ErrWaitTimeout
	case <-ctx.Done():
		return TaskResult{ID: taskID}, ctx.Err()
	}
}

// UpdateResources replaces the quotas and the global ceiling without
// disturbing running tasks.
func (o *Orchestrator) UpdateResources(ctx context.Context, rc ResourceConfig) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	return o.do(ctx, func() {
		o.resources.Update(rc.Defaults, rc.Agents)
		if rc.MaxConcurrentTasks > 0 {
			o.adaptive.SetCeiling(rc.MaxConcurrentTasks)
		}
		o.log.WithField("agents", len(rc.Agents)).Info("resource configuration updated")
	})
}

// Task returns a copy of a live task.
func (o *Orchestrator) Task(taskID string) (*scheduler.Task, bool) {
	return o.graph.Get(taskID)
}

// Validate checks the live graph and returns a topological order.
func (o *Orchestrator) Validate() ([]string, error) {
	return o.graph.Validate()
}
