// Package executor provides the executors the CLI plugs into the
// orchestrator: a shell runner, a few built-ins, and a Router that picks one
// by task kind.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/taskgraph/internal/orchestrator"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// ErrUnknownKind is returned for a definition whose Kind has no executor.
var ErrUnknownKind = errors.New("unknown task kind")

// Router dispatches each definition to the executor registered for its Kind.
// A definition with an empty Kind uses the default kind.
type Router struct {
	mu          sync.RWMutex
	executors   map[string]orchestrator.Executor
	defaultKind string
}

// NewRouter creates a Router whose empty-kind definitions go to defaultKind.
func NewRouter(defaultKind string) *Router {
	return &Router{
		executors:   make(map[string]orchestrator.Executor),
		defaultKind: defaultKind,
	}
}

// NewDefault returns a Router with the shell and built-in executors
// registered. Shell processes are tracked in pm and run in dir unless a
// task sets its own; an empty dir means the current directory.
func NewDefault(pm *ProcessManager, dir string) *Router {
	r := NewRouter(KindShell)
	r.Register(KindShell, NewShell(pm).WithDir(dir))
	r.Register(KindEcho, Echo())
	r.Register(KindSleep, Sleep())
	return r
}

// Register installs exec for kind, replacing any previous one.
func (r *Router) Register(kind string, exec orchestrator.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
}

// Kinds returns the registered kinds, sorted.
func (r *Router) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Supports reports whether kind resolves to an executor.
func (r *Router) Supports(kind string) bool {
	_, err := r.lookup(kind)
	return err == nil
}

// Execute runs def on the executor for its kind. An unknown kind fails
// permanently; retrying cannot fix it.
func (r *Router) Execute(ctx context.Context, def scheduler.Definition) (string, error) {
	exec, err := r.lookup(def.Kind)
	if err != nil {
		return "", orchestrator.Permanent(err)
	}
	return exec.Execute(ctx, def)
}

func (r *Router) lookup(kind string) (orchestrator.Executor, error) {
	if kind == "" {
		kind = r.defaultKind
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return exec, nil
}
