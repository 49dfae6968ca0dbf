package plan

import (
	"context"
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskgraph/internal/orchestrator"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// Order returns the tasks sorted so every task follows its dependencies.
func (p *Plan) Order() ([]TaskSpec, error) {
	byID := make(map[string]TaskSpec, len(p.Tasks))
	var edges []toposort.Edge
	for _, t := range p.Tasks {
		byID[t.ID] = t
		if len(t.DependsOn) == 0 {
			// Edge from nil keeps roots in the result
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scheduler.ErrDependencyCycle, err)
	}

	order := make([]TaskSpec, 0, len(p.Tasks))
	seen := make(map[string]bool, len(p.Tasks))
	for _, node := range sorted {
		if node == nil {
			continue
		}
		id := node.(string)
		if seen[id] {
			continue
		}
		seen[id] = true
		if t, ok := byID[id]; ok {
			order = append(order, t)
		}
	}
	if len(order) != len(p.Tasks) {
		return nil, fmt.Errorf("%w: %d of %d tasks are unreachable", scheduler.ErrDependencyCycle, len(p.Tasks)-len(order), len(p.Tasks))
	}
	return order, nil
}

// Definition returns the opaque definition handed to executors.
func (t TaskSpec) Definition() scheduler.Definition {
	return scheduler.Definition{
		Name:   t.Name,
		Kind:   t.Kind,
		Input:  t.Run,
		Params: t.Params,
	}
}

// Options returns the submit options for the task. The plan id becomes the
// task id.
func (t TaskSpec) Options() []orchestrator.SubmitOption {
	opts := []orchestrator.SubmitOption{
		orchestrator.WithID(t.ID),
		orchestrator.WithPriority(t.Priority),
	}
	if len(t.DependsOn) > 0 {
		opts = append(opts, orchestrator.WithDependencies(t.DependsOn...))
	}
	if t.Agent != "" {
		opts = append(opts, orchestrator.WithAgent(t.Agent))
	}
	if t.Timeout != nil {
		opts = append(opts, orchestrator.WithTimeout(t.Timeout.Duration))
	}
	if t.MaxRetries != nil {
		opts = append(opts, orchestrator.WithMaxRetries(*t.MaxRetries))
	}
	if t.MemoryMB > 0 {
		opts = append(opts, orchestrator.WithMemory(t.MemoryMB))
	}
	if len(t.Resources) > 0 {
		opts = append(opts, orchestrator.WithResources(t.Resources...))
	}
	return opts
}

// Submitter accepts task submissions. *orchestrator.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, def scheduler.Definition, opts ...orchestrator.SubmitOption) (string, error)
}

// Submit submits every task in dependency order and returns their ids in
// that order. It stops at the first rejected submission.
func Submit(ctx context.Context, s Submitter, p *Plan) ([]string, error) {
	order, err := p.Order()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(order))
	for _, t := range order {
		id, err := s.Submit(ctx, t.Definition(), t.Options()...)
		if err != nil {
			return ids, fmt.Errorf("submit %q: %w", t.ID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
