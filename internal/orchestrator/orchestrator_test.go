package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/aristath/taskgraph/internal/adaptive"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/resource"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// newTestOrchestrator starts an orchestrator with a fixed concurrency limit
// and millisecond retry delays. It is cancelled when the test ends.
func newTestOrchestrator(t *testing.T, cfg Config, exec Executor, opts ...Option) *Orchestrator {
	t.Helper()
	if cfg.Strategy == nil {
		cfg.Strategy = adaptive.Fixed{}
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	}

	o := New(cfg, exec, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-o.Done():
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})
	return o
}

func submit(t *testing.T, o *Orchestrator, name string, opts ...SubmitOption) string {
	t.Helper()
	id, err := o.Submit(context.Background(), scheduler.Definition{Name: name}, opts...)
	if err != nil {
		t.Fatalf("Submit(%s) failed: %v", name, err)
	}
	return id
}

func wait(t *testing.T, o *Orchestrator, id string) TaskResult {
	t.Helper()
	res, _ := o.Wait(context.Background(), id, 5*time.Second)
	if !res.Status.Terminal() {
		t.Fatalf("task %s did not finish: %+v", id, res)
	}
	return res
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// recorder tracks execution order and peak concurrency.
type recorder struct {
	mu     sync.Mutex
	order  []string
	active int
	peak   int
}

func (r *recorder) enter() {
	r.mu.Lock()
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.mu.Unlock()
}

func (r *recorder) leave(name string) {
	r.mu.Lock()
	r.active--
	r.order = append(r.order, name)
	r.mu.Unlock()
}

func (r *recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func (r *recorder) executor(d time.Duration) ExecutorFunc {
	return func(ctx context.Context, def scheduler.Definition) (string, error) {
		r.enter()
		defer r.leave(def.Name)
		select {
		case <-time.After(d):
			return def.Name + " done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestSubmitBeforeStart(t *testing.T) {
	o := New(Config{}, ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		return "", nil
	}))
	if _, err := o.Submit(context.Background(), scheduler.Definition{Name: "a"}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

// TestOrchestrator_DependencyOrder verifies dependents run only after their
// dependencies complete.
func TestOrchestrator_DependencyOrder(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, Config{}, rec.executor(10*time.Millisecond))

	a := submit(t, o, "A")
	b := submit(t, o, "B", WithDependencies(a))
	c := submit(t, o, "C", WithDependencies(a))
	d := submit(t, o, "D", WithDependencies(b, c))

	res := wait(t, o, d)
	if res.Status != scheduler.TaskCompleted || res.Result != "D done" {
		t.Fatalf("D = %+v", res)
	}

	order := rec.Order()
	if len(order) != 4 {
		t.Fatalf("expected 4 executions, got %v", order)
	}
	if order[0] != "A" || order[3] != "D" {
		t.Errorf("order = %v, want A first and D last", order)
	}
}

// TestOrchestrator_AgentQuota verifies an agent never runs more tasks than its
// concurrency quota while unassigned tasks are unaffected.
func TestOrchestrator_AgentQuota(t *testing.T) {
	coder := &recorder{}
	other := &recorder{}
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		if def.Kind == "coder" {
			return coder.executor(15*time.Millisecond)(ctx, def)
		}
		return other.executor(15*time.Millisecond)(ctx, def)
	})

	cfg := Config{Resources: ResourceConfig{
		MaxConcurrentTasks: 8,
		Agents:             map[string]resource.Quota{"coder": {MaxConcurrentTasks: 1}},
	}}
	o := newTestOrchestrator(t, cfg, exec)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, submitDef(t, o, scheduler.Definition{Name: fmt.Sprintf("c%d", i), Kind: "coder"}, WithAgent("coder")))
		ids = append(ids, submitDef(t, o, scheduler.Definition{Name: fmt.Sprintf("o%d", i)}))
	}
	for _, id := range ids {
		if res := wait(t, o, id); res.Status != scheduler.TaskCompleted {
			t.Fatalf("task %s = %+v", id, res)
		}
	}

	if coder.Peak() != 1 {
		t.Errorf("coder peak concurrency = %d, want 1", coder.Peak())
	}
	if other.Peak() < 2 {
		t.Errorf("unassigned peak concurrency = %d, expected parallel execution", other.Peak())
	}
}

// TestOrchestrator_AgentQuotaConcurrentSubmit verifies the quota holds when
// many goroutines submit at once.
func TestOrchestrator_AgentQuotaConcurrentSubmit(t *testing.T) {
	const (
		quota      = 2
		submitters = 8
		perWorker  = 5
	)
	rec := &recorder{}
	cfg := Config{Resources: ResourceConfig{
		MaxConcurrentTasks: 16,
		Agents:             map[string]resource.Quota{"coder": {MaxConcurrentTasks: quota}},
	}}
	o := newTestOrchestrator(t, cfg, rec.executor(2*time.Millisecond))

	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	for w := 0; w < submitters; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := o.Submit(context.Background(), scheduler.Definition{Name: fmt.Sprintf("w%d-%d", w, i)}, WithAgent("coder"))
				if err != nil {
					t.Errorf("Submit failed: %v", err)
					return
				}
				mu.Lock()
				ids = append(ids, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(ids) != submitters*perWorker {
		t.Fatalf("submitted %d tasks, want %d", len(ids), submitters*perWorker)
	}
	for _, id := range ids {
		if res := wait(t, o, id); res.Status != scheduler.TaskCompleted {
			t.Fatalf("task %s = %+v", id, res)
		}
	}
	if rec.Peak() > quota {
		t.Errorf("coder peak concurrency = %d, want <= %d", rec.Peak(), quota)
	}
	if got := len(rec.Order()); got != submitters*perWorker {
		t.Errorf("executed %d tasks, want %d", got, submitters*perWorker)
	}
}

// TestOrchestrator_RateWindow verifies an agent never starts more than its
// request quota within one rate window.
func TestOrchestrator_RateWindow(t *testing.T) {
	const (
		limit     = 3
		tasks     = 9
		window    = 150 * time.Millisecond
		tolerance = 20 * time.Millisecond
	)
	var (
		mu     sync.Mutex
		starts []time.Time
	)
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return def.Name, nil
	})
	cfg := Config{
		Resources: ResourceConfig{
			MaxConcurrentTasks: 8,
			Agents:             map[string]resource.Quota{"api": {MaxRequestsPerMinute: limit}},
		},
		RateWindow:   window,
		TickInterval: 5 * time.Millisecond,
	}
	o := newTestOrchestrator(t, cfg, exec)

	var ids []string
	for i := 0; i < tasks; i++ {
		ids = append(ids, submitDef(t, o, scheduler.Definition{Name: fmt.Sprintf("r%d", i)}, WithAgent("api")))
	}
	for _, id := range ids {
		if res := wait(t, o, id); res.Status != scheduler.TaskCompleted {
			t.Fatalf("task %s = %+v", id, res)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != tasks {
		t.Fatalf("executed %d tasks, want %d", len(starts), tasks)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 0; i+limit < len(starts); i++ {
		if gap := starts[i+limit].Sub(starts[i]); gap < window-tolerance {
			t.Errorf("starts %d and %d only %v apart, want >= %v", i, i+limit, gap, window)
		}
	}
	if span := starts[len(starts)-1].Sub(starts[0]); span < 2*window-tolerance {
		t.Errorf("all tasks started within %v, want >= %v", span, 2*window)
	}
}

// TestOrchestrator_LingeringExecutorWarning verifies a timeout whose executor
// has not returned is logged.
func TestOrchestrator_LingeringExecutorWarning(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		<-release
		return "late", nil
	})
	o := newTestOrchestrator(t, Config{}, exec, WithLogger(logger))

	id := submit(t, o, "stuck", WithTimeout(20*time.Millisecond), WithMaxRetries(0))
	res := wait(t, o, id)
	if res.Status != scheduler.TaskFailed || !errors.Is(res.Err, scheduler.ErrTaskTimeout) {
		t.Fatalf("result = %+v", res)
	}

	var found bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && strings.Contains(entry.Message, "executor still running after timeout") {
			found = true
		}
	}
	if !found {
		t.Error("no warning logged for executor still running after timeout")
	}
}

func submitDef(t *testing.T, o *Orchestrator, def scheduler.Definition, opts ...SubmitOption) string {
	t.Helper()
	id, err := o.Submit(context.Background(), def, opts...)
	if err != nil {
		t.Fatalf("Submit(%s) failed: %v", def.Name, err)
	}
	return id
}

// TestOrchestrator_GlobalCeiling verifies the global limit holds under load.
func TestOrchestrator_GlobalCeiling(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, Config{Resources: ResourceConfig{MaxConcurrentTasks: 3}}, rec.executor(5*time.Millisecond))

	var ids []string
	for i := 0; i < 30; i++ {
		ids = append(ids, submit(t, o, fmt.Sprintf("t%d", i)))
	}
	for _, id := range ids {
		wait(t, o, id)
	}

	if rec.Peak() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", rec.Peak())
	}
	if got := len(rec.Order()); got != 30 {
		t.Errorf("executed %d tasks, want 30", got)
	}
}

func TestOrchestrator_Timeout(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	o := newTestOrchestrator(t, Config{}, exec)

	id := submit(t, o, "slow", WithTimeout(50*time.Millisecond), WithMaxRetries(0))
	res, err := o.Wait(context.Background(), id, 5*time.Second)

	if res.Status != scheduler.TaskFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	var timeoutErr *scheduler.TaskTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TaskTimeoutError, got %v", err)
	}
	if timeoutErr.Timeout != 50*time.Millisecond {
		t.Errorf("timeout = %v", timeoutErr.Timeout)
	}
}

func TestOrchestrator_Retries(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		maxRetries   int
		permanent    bool
		wantStatus   scheduler.TaskStatus
		wantAttempts int
	}{
		{name: "exhausts retries", failures: 10, maxRetries: 2, wantStatus: scheduler.TaskFailed, wantAttempts: 3},
		{name: "succeeds on third attempt", failures: 2, maxRetries: 2, wantStatus: scheduler.TaskCompleted, wantAttempts: 3},
		{name: "no retries", failures: 1, maxRetries: 0, wantStatus: scheduler.TaskFailed, wantAttempts: 1},
		{name: "permanent error", failures: 10, maxRetries: 5, permanent: true, wantStatus: scheduler.TaskFailed, wantAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
				n := int(calls.Add(1))
				if n <= tt.failures {
					err := fmt.Errorf("attempt %d failed", n)
					if tt.permanent {
						return "", Permanent(err)
					}
					return "", err
				}
				return "ok", nil
			})
			o := newTestOrchestrator(t, Config{}, exec)

			id := submit(t, o, "flaky", WithMaxRetries(tt.maxRetries))
			res, err := o.Wait(context.Background(), id, 5*time.Second)

			if res.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s (err %v)", res.Status, tt.wantStatus, err)
			}
			if res.Attempts != tt.wantAttempts || int(calls.Load()) != tt.wantAttempts {
				t.Errorf("attempts = %d, executor calls = %d, want %d", res.Attempts, calls.Load(), tt.wantAttempts)
			}
			if tt.wantStatus == scheduler.TaskFailed && !errors.Is(err, scheduler.ErrTaskExecution) {
				t.Errorf("error = %v, want ErrTaskExecution", err)
			}
		})
	}
}

// TestOrchestrator_WaitIsIdempotent verifies repeated waits return the same result.
func TestOrchestrator_WaitIsIdempotent(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, Config{}, rec.executor(time.Millisecond))

	id := submit(t, o, "once")
	first := wait(t, o, id)
	second := wait(t, o, id)

	if first != second {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}
	if len(rec.Order()) != 1 {
		t.Errorf("task executed %d times", len(rec.Order()))
	}
}

func TestOrchestrator_WaitTimeoutDoesNotCancel(t *testing.T) {
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		<-release
		return "finished", nil
	})
	o := newTestOrchestrator(t, Config{}, exec)

	id := submit(t, o, "long")
	if _, err := o.Wait(context.Background(), id, 20*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Wait(ctx, id, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)
	if res := wait(t, o, id); res.Status != scheduler.TaskCompleted || res.Result != "finished" {
		t.Errorf("result = %+v", res)
	}
}

func TestOrchestrator_WaitUnknownTask(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, (&recorder{}).executor(0))
	if _, err := o.Wait(context.Background(), "nope", 0); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

// TestOrchestrator_CascadeOnFailure verifies a failure cancels every
// downstream task and leaves independent tasks alone.
func TestOrchestrator_CascadeOnFailure(t *testing.T) {
	rec := &recorder{}
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		if def.Name == "A" {
			return "", Permanent(errors.New("broken"))
		}
		return rec.executor(time.Millisecond)(ctx, def)
	})
	o := newTestOrchestrator(t, Config{}, exec)

	submit(t, o, "A", WithID("A"))
	submit(t, o, "B", WithID("B"), WithDependencies("A"))
	submit(t, o, "C", WithID("C"), WithDependencies("A"))
	submit(t, o, "D", WithID("D"), WithDependencies("B", "C"))
	submit(t, o, "E", WithID("E"))

	if res := wait(t, o, "A"); res.Status != scheduler.TaskFailed {
		t.Fatalf("A = %+v", res)
	}
	for _, id := range []string{"B", "C", "D"} {
		res, err := o.Wait(context.Background(), id, 5*time.Second)
		if res.Status != scheduler.TaskCancelled {
			t.Errorf("%s status = %s, want cancelled", id, res.Status)
			continue
		}
		var blocked *scheduler.BlockedError
		if !errors.As(err, &blocked) {
			t.Errorf("%s error = %v, want *BlockedError", id, err)
			continue
		}
		if blocked.Root != "A" {
			t.Errorf("%s blocked root = %q, want A", id, blocked.Root)
		}
	}
	if res := wait(t, o, "E"); res.Status != scheduler.TaskCompleted {
		t.Errorf("E = %+v", res)
	}
	if order := rec.Order(); len(order) != 1 || order[0] != "E" {
		t.Errorf("executed %v, want only E", order)
	}
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		<-release
		return "", nil
	})
	cfg := Config{Resources: ResourceConfig{
		Agents: map[string]resource.Quota{"coder": {MaxMemoryMB: 100}},
	}}
	o := newTestOrchestrator(t, cfg, exec)

	gate := submit(t, o, "gate", WithID("gate"))
	submit(t, o, "A", WithID("A"), WithDependencies(gate))
	submit(t, o, "B", WithID("B"), WithDependencies("A"))

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{
			name: "unknown dependency",
			call: func() error {
				_, err := o.Submit(context.Background(), scheduler.Definition{Name: "x"}, WithDependencies("missing"))
				return err
			},
			want: scheduler.ErrUnknownDependency,
		},
		{
			name: "duplicate id",
			call: func() error {
				_, err := o.Submit(context.Background(), scheduler.Definition{Name: "x"}, WithID("A"))
				return err
			},
			want: scheduler.ErrDuplicateTask,
		},
		{
			name: "cycle",
			call: func() error { return o.AddDependency(context.Background(), "A", "B") },
			want: scheduler.ErrDependencyCycle,
		},
		{
			name: "self dependency",
			call: func() error { return o.AddDependency(context.Background(), "B", "B") },
			want: scheduler.ErrDependencyCycle,
		},
		{
			name: "memory above quota",
			call: func() error {
				_, err := o.Submit(context.Background(), scheduler.Definition{Name: "x"}, WithAgent("coder"), WithMemory(500))
				return err
			},
			want: resource.ErrExceedsQuota,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	order, err := o.Validate()
	if err != nil {
		t.Fatalf("graph should still be valid: %v", err)
	}
	if indexOf(order, "gate") > indexOf(order, "A") || indexOf(order, "A") > indexOf(order, "B") {
		t.Errorf("topological order = %v", order)
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	o := newTestOrchestrator(t, Config{}, exec)

	running := submit(t, o, "running")
	pending := submit(t, o, "pending", WithDependencies(running))
	<-started

	ok, err := o.Cancel(context.Background(), pending)
	if err != nil || !ok {
		t.Fatalf("Cancel(pending) = %v, %v", ok, err)
	}
	res, err := o.Wait(context.Background(), pending, time.Second)
	if res.Status != scheduler.TaskCancelled || !errors.Is(err, scheduler.ErrCancelled) {
		t.Errorf("pending = %+v, %v", res, err)
	}
	if res.Attempts != 0 {
		t.Errorf("cancelled pending task has %d attempts", res.Attempts)
	}

	ok, err = o.Cancel(context.Background(), running)
	if err != nil || !ok {
		t.Fatalf("Cancel(running) = %v, %v", ok, err)
	}
	res, err = o.Wait(context.Background(), running, time.Second)
	if res.Status != scheduler.TaskCancelled || !errors.Is(err, scheduler.ErrCancelled) {
		t.Errorf("running = %+v, %v", res, err)
	}

	ok, err = o.Cancel(context.Background(), running)
	if err != nil || ok {
		t.Errorf("second Cancel = %v, %v, want false, nil", ok, err)
	}
	if _, err := o.Cancel(context.Background(), "nope"); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("Cancel(unknown) error = %v", err)
	}
}

func TestOrchestrator_ShutdownDrain(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, Config{Resources: ResourceConfig{MaxConcurrentTasks: 2}}, rec.executor(5*time.Millisecond))

	var ids []string
	for i := 0; i < 6; i++ {
		opts := []SubmitOption{}
		if i > 0 {
			opts = append(opts, WithDependencies(ids[i-1]))
		}
		ids = append(ids, submit(t, o, fmt.Sprintf("t%d", i), opts...))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for _, id := range ids {
		res, _ := o.Wait(context.Background(), id, 0)
		if res.Status != scheduler.TaskCompleted {
			t.Errorf("task %s = %s after drain", id, res.Status)
		}
	}
	if _, err := o.Submit(context.Background(), scheduler.Definition{Name: "late"}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Submit after shutdown = %v, want ErrShutdown", err)
	}
}

func TestOrchestrator_ShutdownCancel(t *testing.T) {
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	o := newTestOrchestrator(t, Config{}, exec)

	running := submit(t, o, "running")
	queued := submit(t, o, "queued", WithDependencies(running))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx, false); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for _, id := range []string{running, queued} {
		res, err := o.Wait(context.Background(), id, time.Second)
		if res.Status != scheduler.TaskCancelled {
			t.Errorf("task %s = %s, want cancelled", id, res.Status)
		}
		if !errors.Is(err, ErrShutdown) || !errors.Is(err, scheduler.ErrCancelled) {
			t.Errorf("task %s error = %v, want shutdown cancellation", id, err)
		}
	}
}

func TestOrchestrator_Approval(t *testing.T) {
	rec := &recorder{}
	deny := func(task *scheduler.Task) bool { return task.Definition.Name != "deny" }
	o := newTestOrchestrator(t, Config{}, rec.executor(time.Millisecond), WithApproval(deny))

	denied := submit(t, o, "deny")
	allowed := submit(t, o, "allow")

	res, err := o.Wait(context.Background(), denied, 5*time.Second)
	if res.Status != scheduler.TaskFailed || !errors.Is(err, scheduler.ErrNotApproved) {
		t.Errorf("denied = %+v, %v", res, err)
	}
	if res := wait(t, o, allowed); res.Status != scheduler.TaskCompleted {
		t.Errorf("allowed = %+v", res)
	}
	if indexOf(rec.Order(), "deny") >= 0 {
		t.Error("denied task reached the executor")
	}
}

// TestOrchestrator_PriorityOrder verifies lower priority values run first.
func TestOrchestrator_PriorityOrder(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{}
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		if def.Name == "blocker" {
			<-release
			return "", nil
		}
		return rec.executor(time.Millisecond)(ctx, def)
	})
	o := newTestOrchestrator(t, Config{Resources: ResourceConfig{MaxConcurrentTasks: 1}}, exec)

	blocker := submit(t, o, "blocker")
	eventually(t, func() bool { return o.Metrics().Running == 1 }, "blocker never started")

	var ids []string
	for _, p := range []int{5, 1, 3, 1} {
		ids = append(ids, submit(t, o, fmt.Sprintf("p%d-%d", p, len(ids)), WithPriority(p)))
	}
	close(release)
	wait(t, o, blocker)
	for _, id := range ids {
		wait(t, o, id)
	}

	want := []string{"p1-1", "p1-3", "p3-2", "p5-0"}
	got := rec.Order()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

// TestOrchestrator_ExclusiveResources verifies tasks sharing a resource key
// never overlap.
func TestOrchestrator_ExclusiveResources(t *testing.T) {
	var holders atomic.Int32
	var overlap atomic.Bool
	exec := ExecutorFunc(func(ctx context.Context, def scheduler.Definition) (string, error) {
		if def.Params["shared"] == "yes" {
			if holders.Add(1) > 1 {
				overlap.Store(true)
			}
			defer holders.Add(-1)
		}
		time.Sleep(5 * time.Millisecond)
		return "", nil
	})
	o := newTestOrchestrator(t, Config{}, exec)

	var ids []string
	for i := 0; i < 6; i++ {
		def := scheduler.Definition{Name: fmt.Sprintf("w%d", i), Params: map[string]string{"shared": "yes"}}
		ids = append(ids, submitDef(t, o, def, WithResources("main.go")))
	}
	for _, id := range ids {
		if res := wait(t, o, id); res.Status != scheduler.TaskCompleted {
			t.Fatalf("task %s = %+v", id, res)
		}
	}
	if overlap.Load() {
		t.Error("two tasks held the same resource key concurrently")
	}
}

func TestOrchestrator_UpdateResources(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, (&recorder{}).executor(0))

	if err := o.UpdateResources(context.Background(), ResourceConfig{MaxConcurrentTasks: -1}); err == nil {
		t.Error("expected error for negative ceiling")
	}

	rc := ResourceConfig{
		MaxConcurrentTasks: 4,
		Agents:             map[string]resource.Quota{"coder": {MaxConcurrentTasks: 2}},
	}
	if err := o.UpdateResources(context.Background(), rc); err != nil {
		t.Fatalf("UpdateResources failed: %v", err)
	}
	// Any command cycles the loop, which republishes metrics
	submit(t, o, "tick")

	eventually(t, func() bool { return o.Metrics().ConcurrencyLimit == 4 }, "concurrency limit not lowered to 4")
	if q := o.resources.Quota("coder"); q.MaxConcurrentTasks != 2 {
		t.Errorf("coder quota = %+v", q)
	}
}

func TestOrchestrator_MetricsAndEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 100)

	o := newTestOrchestrator(t, Config{}, (&recorder{}).executor(time.Millisecond), WithEventBus(bus))

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, submit(t, o, fmt.Sprintf("m%d", i)))
	}
	for _, id := range ids {
		wait(t, o, id)
	}

	eventually(t, func() bool {
		m := o.Metrics()
		return m.Completed == 3 && m.Total == 3 && m.Running == 0
	}, "metrics did not reach 3 completed")

	seen := map[string][]string{}
	timeout := time.After(time.Second)
	for count := 0; count < 9; {
		select {
		case ev := <-sub:
			seen[ev.TaskID()] = append(seen[ev.TaskID()], ev.EventType())
			count++
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", seen)
		}
	}
	want := fmt.Sprint([]string{events.EventTypeTaskSubmitted, events.EventTypeTaskStarted, events.EventTypeTaskCompleted})
	for _, id := range ids {
		if got := fmt.Sprint(seen[id]); got != want {
			t.Errorf("events for %s = %s, want %s", id, got, want)
		}
	}
}

// TestOrchestrator_Retention verifies finished tasks are evicted but still
// counted in the metrics.
func TestOrchestrator_Retention(t *testing.T) {
	cfg := Config{Retention: 10 * time.Millisecond, TickInterval: 5 * time.Millisecond}
	o := newTestOrchestrator(t, cfg, (&recorder{}).executor(0))

	id := submit(t, o, "short-lived")
	wait(t, o, id)

	eventually(t, func() bool {
		_, err := o.Wait(context.Background(), id, 0)
		return errors.Is(err, scheduler.ErrTaskNotFound)
	}, "task was never evicted")

	eventually(t, func() bool { return o.Metrics().Completed == 1 }, "evicted task not counted")
	if _, ok := o.Task(id); ok {
		t.Error("evicted task still in graph")
	}
}
