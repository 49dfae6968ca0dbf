package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Typed errors below match these through errors.Is.
var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrDuplicateTask       = errors.New("task already exists")
	ErrDependencyCycle     = errors.New("dependency cycle detected")
	ErrUnknownDependency   = errors.New("unknown dependency")
	ErrTaskStarted         = errors.New("task already started")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrTaskTimeout         = errors.New("task attempt timed out")
	ErrTaskExecution       = errors.New("task execution failed")
	ErrBlockedByDependency = errors.New("blocked by failed dependency")
	ErrCancelled           = errors.New("task cancelled")
	ErrNotApproved         = errors.New("not approved")
)

// DependencyCycleError reports an edge insertion that would close a cycle.
// Path lists the existing chain from TaskID back to DependencyID.
type DependencyCycleError struct {
	TaskID       string
	DependencyID string
	Path         []string
}

func (e *DependencyCycleError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("dependency cycle: %s -> %s would close %s", e.TaskID, e.DependencyID, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("dependency cycle: %s cannot depend on %s", e.TaskID, e.DependencyID)
}

func (e *DependencyCycleError) Is(target error) bool { return target == ErrDependencyCycle }

// UnknownDependencyError reports a dependency id that is not in the graph.
type UnknownDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.TaskID, e.DependencyID)
}

func (e *UnknownDependencyError) Is(target error) bool { return target == ErrUnknownDependency }

// TaskTimeoutError is recorded when an attempt outlives its deadline.
type TaskTimeoutError struct {
	TaskID  string
	Attempt int
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %q attempt %d exceeded timeout of %s", e.TaskID, e.Attempt, e.Timeout)
}

func (e *TaskTimeoutError) Is(target error) bool { return target == ErrTaskTimeout }

// TaskExecutionError wraps the error returned by the executor.
type TaskExecutionError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %q attempt %d failed: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *TaskExecutionError) Is(target error) bool { return target == ErrTaskExecution }

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// BlockedError is the terminal error of a task cancelled because something
// upstream failed or was cancelled. Dependency is the direct parent that
// blocked it; Root is the task whose failure started the cascade and Cause is
// the root's error. BlockedError does not unwrap to Cause, so a dependent of a
// timed-out task never matches ErrTaskTimeout.
type BlockedError struct {
	TaskID     string
	Dependency string
	Root       string
	Cause      error
}

func (e *BlockedError) Error() string {
	if e.Root != "" && e.Root != e.Dependency {
		return fmt.Sprintf("task %q blocked by failed dependency %q (root %q)", e.TaskID, e.Dependency, e.Root)
	}
	return fmt.Sprintf("task %q blocked by failed dependency %q", e.TaskID, e.Dependency)
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlockedByDependency }
