package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/taskgraph/internal/orchestrator"
	"github.com/aristath/taskgraph/internal/scheduler"
)

const diamond = `
name: diamond
defaults:
  kind: shell
  agent: coder
  timeout: 30s
  max_retries: 1
tasks:
  - id: d
    run: echo d
    depends_on: [b, c]
  - id: b
    run: echo b
    depends_on: [a]
    timeout: 5s
  - id: c
    run: echo c
    depends_on: [a]
    max_retries: 0
    kind: echo
  - id: a
    name: Setup
    run: echo a
    priority: 2
    memory_mb: 64
    resources: [go.sum]
    params:
      dir: /tmp
`

func TestParse_AppliesDefaults(t *testing.T) {
	p, err := Parse([]byte(diamond))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	a, _ := p.Task("a")
	if a.Name != "Setup" || a.Kind != "shell" || a.Agent != "coder" || a.Timeout.Duration != 30*time.Second {
		t.Errorf("a = %+v", a)
	}
	if a.Params["dir"] != "/tmp" || a.MemoryMB != 64 || a.Resources[0] != "go.sum" {
		t.Errorf("a fields = %+v", a)
	}

	b, _ := p.Task("b")
	if b.Timeout.Duration != 5*time.Second || *b.MaxRetries != 1 || b.Name != "b" {
		t.Errorf("b = %+v", b)
	}

	c, _ := p.Task("c")
	if c.Kind != "echo" || *c.MaxRetries != 0 {
		t.Errorf("c = %+v", c)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
		isCycle bool
	}{
		{name: "no tasks", yaml: "name: empty\n", wantErr: "no tasks"},
		{name: "missing id", yaml: "tasks:\n  - run: x\n", wantErr: "missing id"},
		{name: "bad id", yaml: "tasks:\n  - id: 'has space'\n", wantErr: "id may only contain"},
		{name: "duplicate", yaml: "tasks:\n  - id: a\n  - id: a\n", wantErr: "duplicate id"},
		{name: "unknown dependency", yaml: "tasks:\n  - id: a\n    depends_on: [zz]\n", wantErr: `unknown dependency "zz"`},
		{name: "negative", yaml: "tasks:\n  - id: a\n    priority: -1\n", wantErr: "must not be negative"},
		{name: "bad duration", yaml: "tasks:\n  - id: a\n    timeout: soon\n", wantErr: "invalid duration"},
		{name: "unknown key", yaml: "tasks:\n  - id: a\n    command: x\n", wantErr: "command"},
		{
			name:    "cycle",
			yaml:    "tasks:\n  - id: a\n    depends_on: [c]\n  - id: b\n    depends_on: [a]\n  - id: c\n    depends_on: [b]\n",
			isCycle: true,
		},
		{name: "self dependency", yaml: "tasks:\n  - id: a\n    depends_on: [a]\n", isCycle: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.isCycle && !errors.Is(err, scheduler.ErrDependencyCycle) {
				t.Errorf("expected ErrDependencyCycle, got %v", err)
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestOrder(t *testing.T) {
	p, err := Parse([]byte(diamond))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	order, err := p.Order()
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	pos := make(map[string]int)
	for i, task := range order {
		pos[task.ID] = i
	}
	if len(pos) != 4 {
		t.Fatalf("order = %v", order)
	}
	for _, task := range p.Tasks {
		for _, dep := range task.DependsOn {
			if pos[dep] > pos[task.ID] {
				t.Errorf("%s ordered before its dependency %s", task.ID, dep)
			}
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(diamond), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.Name != "diamond" || p.Source != path || len(p.IDs()) != 4 {
		t.Errorf("plan = %+v", p)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

type fakeSubmitter struct {
	defs   []scheduler.Definition
	failOn string
}

func (f *fakeSubmitter) Submit(ctx context.Context, def scheduler.Definition, opts ...orchestrator.SubmitOption) (string, error) {
	if def.Name == f.failOn {
		return "", orchestrator.ErrShutdown
	}
	f.defs = append(f.defs, def)
	return def.Name, nil
}

func TestSubmit(t *testing.T) {
	p, err := Parse([]byte(diamond))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	sub := &fakeSubmitter{}
	ids, err := Submit(context.Background(), sub, p)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(ids) != 4 || ids[0] != "Setup" || ids[3] != "d" {
		t.Errorf("submitted ids = %v", ids)
	}
	if sub.defs[0].Input != "echo a" || sub.defs[0].Kind != "shell" {
		t.Errorf("first definition = %+v", sub.defs[0])
	}

	failing := &fakeSubmitter{failOn: "b"}
	ids, err = Submit(context.Background(), failing, p)
	if !errors.Is(err, orchestrator.ErrShutdown) {
		t.Errorf("expected submit error to propagate, got %v", err)
	}
	if len(ids) >= 4 {
		t.Errorf("Submit continued after a rejection: %v", ids)
	}
}

// TestSubmit_Orchestrator runs a plan end to end on a real orchestrator.
func TestSubmit_Orchestrator(t *testing.T) {
	p, err := Parse([]byte(diamond))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	exec := orchestrator.ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		return def.Input, nil
	})
	o := orchestrator.New(orchestrator.Config{}, exec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}

	ids, err := Submit(ctx, o, p)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	for _, id := range ids {
		res, err := o.Wait(ctx, id, 5*time.Second)
		if err != nil || res.Status != scheduler.TaskCompleted {
			t.Errorf("task %s = %+v, %v", id, res, err)
		}
	}
	if res, _ := o.Wait(ctx, "d", 0); res.Result != "echo d" {
		t.Errorf("d result = %q", res.Result)
	}
}
