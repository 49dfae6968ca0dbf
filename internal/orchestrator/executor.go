package orchestrator

import (
	"context"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// Executor performs the work described by a task definition. It must return
// promptly once ctx is done and must not retain the definition.
type Executor interface {
	Execute(ctx context.Context, def scheduler.Definition) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, def scheduler.Definition) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, def scheduler.Definition) (string, error) {
	return f(ctx, def)
}

// ApprovalFunc is consulted once per task before its first admission.
// Returning false fails the task with scheduler.ErrNotApproved; it is not retried.
type ApprovalFunc func(task *scheduler.Task) bool
