// Package orchestrator runs a task graph: it admits ready tasks under the
// resource quotas and the adaptive concurrency limit, executes attempts with
// timeouts and retries, and settles dependents when tasks finish.
//
// All graph and quota mutations happen on one scheduling goroutine. Public
// methods hand closures to that goroutine and executions report back on a
// completion channel, so no lock is held across an executor call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/taskgraph/internal/adaptive"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/logging"
	"github.com/aristath/taskgraph/internal/resource"
	"github.com/aristath/taskgraph/internal/scheduler"
)

var (
	// ErrShutdown is returned for submissions after Shutdown.
	ErrShutdown = errors.New("orchestrator is shut down")

	// ErrWaitTimeout is returned by Wait when the caller's timeout elapses.
	// The task keeps running.
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrNotStarted is returned by operations that need the scheduling loop.
	ErrNotStarted = errors.New("orchestrator not started")
)

// TaskResult is the terminal state of a task as reported by Wait.
type TaskResult struct {
	ID          string
	Name        string
	Status      scheduler.TaskStatus
	Result      string
	Err         error
	Attempts    int
	RetryCount  int
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns the time between first start and completion.
func (r TaskResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// future resolves once, when its task reaches a terminal state.
type future struct {
	done   chan struct{}
	result TaskResult
}

// execution tracks one running attempt.
type execution struct {
	agent     string
	memoryMB  int
	resources []string
	cancel    context.CancelCauseFunc
	cancelErr error // Set when the task was cancelled while running
}

type command struct {
	fn   func()
	done chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger (default discards).
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithApproval installs an approval gate.
func WithApproval(fn ApprovalFunc) Option {
	return func(o *Orchestrator) { o.approve = fn }
}

// Orchestrator schedules and executes tasks. Create one with New, call Start,
// and call Shutdown when done.
type Orchestrator struct {
	cfg        Config
	exec       Executor
	log        logrus.FieldLogger
	bus        *events.EventBus
	approve    ApprovalFunc
	graph      *scheduler.Graph
	resources  *resource.Manager
	locks      *resource.KeyLocks
	adaptive   *adaptive.Scheduler
	controller *Controller

	cmds        chan command
	completions chan Outcome
	wake        chan struct{}
	stopped     chan struct{}
	started     atomic.Bool
	metrics     atomic.Pointer[MetricsSnapshot]

	futMu   sync.Mutex
	futures map[string]*future

	// Owned by the scheduling goroutine
	baseCtx      context.Context
	running      map[string]*execution
	approved     map[string]bool
	closing      bool
	drain        bool
	evicted      map[scheduler.TaskStatus]int
	lastProgress events.ProgressEvent
}

// New creates an Orchestrator. Zero fields in cfg take DefaultConfig values.
func New(cfg Config, exec Executor, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Resources.MaxConcurrentTasks <= 0 {
		cfg.Resources.MaxConcurrentTasks = def.Resources.MaxConcurrentTasks
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = def.Retry
	}

	o := &Orchestrator{
		cfg:         cfg,
		exec:        exec,
		log:         logging.Discard(),
		graph:       scheduler.NewGraph(),
		locks:       resource.NewKeyLocks(),
		cmds:        make(chan command),
		completions: make(chan Outcome, 64),
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
		futures:     make(map[string]*future),
		running:     make(map[string]*execution),
		approved:    make(map[string]bool),
		evicted:     make(map[scheduler.TaskStatus]int),
	}
	for _, opt := range opts {
		opt(o)
	}

	var resourceOpts []resource.Option
	if cfg.RateWindow > 0 {
		resourceOpts = append(resourceOpts, resource.WithWindow(cfg.RateWindow))
	}
	o.resources = resource.NewManager(cfg.Resources.Defaults, cfg.Resources.Agents, resourceOpts...)
	o.controller = NewController(cfg.Retry, NewCircuitBreakerRegistry(cfg.Breaker, o.log), o.log)

	adaptiveOpts := []adaptive.Option{adaptive.WithOnDecision(o.onDecision)}
	if cfg.Strategy != nil {
		adaptiveOpts = append(adaptiveOpts, adaptive.WithStrategy(cfg.Strategy))
	}
	if cfg.AdaptiveWindow > 0 {
		adaptiveOpts = append(adaptiveOpts, adaptive.WithWindowSize(cfg.AdaptiveWindow))
	}
	if cfg.AdaptiveCooldown > 0 {
		adaptiveOpts = append(adaptiveOpts, adaptive.WithCooldown(cfg.AdaptiveCooldown))
	}
	o.adaptive = adaptive.NewScheduler(cfg.Resources.MaxConcurrentTasks, adaptiveOpts...)

	o.publishMetrics()
	return o
}

// Start launches the scheduling goroutine. Cancelling ctx has the effect of
// Shutdown without drain.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("orchestrator already started")
	}
	o.baseCtx = context.WithoutCancel(ctx)
	go o.loop(ctx)
	return nil
}

// Shutdown stops accepting submissions. With drain, it returns once every
// accepted task is terminal; without, running attempts are cancelled and
// queued tasks are marked Cancelled. If ctx expires during a drain the
// remaining work is cancelled and ctx.Err() is returned without waiting for
// executors to acknowledge.
func (o *Orchestrator) Shutdown(ctx context.Context, drain bool) error {
	if !o.started.Load() {
		return nil
	}

	if err := o.do(ctx, func() { o.beginShutdown(drain) }); err != nil {
		if errors.Is(err, ErrShutdown) {
			return nil // Already stopped
		}
		return err
	}

	select {
	case <-o.stopped:
		return nil
	case <-ctx.Done():
		o.log.Warn("shutdown deadline reached, cancelling remaining tasks")
		_ = o.do(context.Background(), func() { o.beginShutdown(false) })
		return ctx.Err()
	}
}

// Done is closed when the scheduling goroutine has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.stopped
}

// do runs fn on the scheduling goroutine and waits for it to finish.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	if !o.started.Load() {
		return ErrNotStarted
	}
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case o.cmds <- cmd:
	case <-o.stopped:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.done
	return nil
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.stopped)

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for {
		o.dispatch()
		o.publishMetrics()
		if o.finished() {
			o.log.Info("scheduler stopped")
			return
		}

		select {
		case cmd := <-o.cmds:
			cmd.fn()
			close(cmd.done)
		case out := <-o.completions:
			o.complete(out)
		case <-o.wake:
		case <-ticker.C:
			o.evict()
		case <-ctxDone:
			ctxDone = nil
			o.beginShutdown(false)
		}
	}
}

// finished reports whether the loop may exit.
func (o *Orchestrator) finished() bool {
	if !o.closing || len(o.running) > 0 {
		return false
	}
	if !o.drain {
		return true
	}
	counts := o.graph.Counts()
	return counts[scheduler.TaskPending]+counts[scheduler.TaskReady]+counts[scheduler.TaskRunning] == 0
}

func (o *Orchestrator) beginShutdown(drain bool) {
	if o.closing && !o.drain {
		return // Already cancelling
	}
	if !o.closing {
		o.log.WithField("drain", drain).Info("shutting down")
	}
	o.closing = true
	o.drain = drain
	if drain {
		return
	}

	reason := fmt.Errorf("%w: %w", scheduler.ErrCancelled, ErrShutdown)
	for _, task := range o.graph.Tasks() {
		switch {
		case task.Status == scheduler.TaskRunning:
			o.cancelRunning(task.ID, reason)
		case !task.Status.Terminal():
			if err := o.graph.MarkCancelled(task.ID, reason); err == nil {
				o.settle(task.ID)
			}
		}
	}
}

// dispatch admits ready tasks until the concurrency limit is reached.
func (o *Orchestrator) dispatch() {
	if o.closing && !o.drain {
		return
	}

	limit := o.adaptive.Limit()
	if len(o.running) >= limit {
		return
	}

	for _, task := range o.graph.Ready(time.Now()) {
		if len(o.running) >= limit {
			return
		}
		log := o.log.WithFields(logrus.Fields{"task_id": task.ID, "agent": task.Agent})

		if !o.approved[task.ID] {
			if o.approve != nil && !o.approve(task) {
				log.Warn("task not approved")
				o.fail(task.ID, fmt.Errorf("%w: task %q", scheduler.ErrNotApproved, task.ID))
				continue
			}
			o.approved[task.ID] = true
		}

		if err := o.resources.Fits(task.Agent, task.MemoryMB); err != nil {
			log.WithError(err).Warn("task can never be admitted")
			o.fail(task.ID, err)
			continue
		}
		if !o.locks.TryLockAll(task.ID, task.Resources) {
			continue
		}
		if err := o.resources.Admit(task.Agent, task.MemoryMB); err != nil {
			o.locks.UnlockAll(task.ID, task.Resources)
			log.WithError(err).Trace("admission deferred")
			continue
		}
		if err := o.graph.MarkRunning(task.ID); err != nil {
			o.resources.Release(task.Agent, task.MemoryMB)
			o.locks.UnlockAll(task.ID, task.Resources)
			log.WithError(err).Error("failed to start task")
			continue
		}
		o.launch(task)
	}
}

func (o *Orchestrator) launch(task *scheduler.Task) {
	ctx, cancel := context.WithCancelCause(o.baseCtx)
	o.running[task.ID] = &execution{
		agent:     task.Agent,
		memoryMB:  task.MemoryMB,
		resources: task.Resources,
		cancel:    cancel,
	}

	attempt := Attempt{
		TaskID:     task.ID,
		Agent:      task.Agent,
		Number:     task.Attempts + 1,
		Timeout:    task.Timeout,
		Definition: task.Definition,
	}
	o.log.WithFields(logrus.Fields{"task_id": task.ID, "agent": task.Agent, "attempt": attempt.Number}).Debug("task started")

	info := taskInfo(task)
	info.Attempts = attempt.Number
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	o.publish(events.TopicTask, events.TaskStartedEvent{TaskInfo: info, Attempt: attempt.Number, Timestamp: time.Now()})

	go func() {
		o.completions <- o.controller.Run(ctx, attempt, o.exec)
	}()
}

// complete applies the outcome of one attempt.
func (o *Orchestrator) complete(out Outcome) {
	ex, ok := o.running[out.TaskID]
	if !ok {
		return
	}
	delete(o.running, out.TaskID)
	ex.cancel(nil)
	o.resources.Release(ex.agent, ex.memoryMB)
	o.locks.UnlockAll(out.TaskID, ex.resources)

	log := o.log.WithFields(logrus.Fields{"task_id": out.TaskID, "agent": ex.agent, "attempt": out.Attempt})
	if out.TimedOut && o.controller.Inflight(out.TaskID) {
		log.Warn("executor still running after timeout, next attempt waits for it")
	}

	if !out.Cancelled && ex.cancelErr == nil {
		sample := adaptive.Sample{Duration: out.Duration, Outcome: adaptive.OutcomeSuccess}
		switch {
		case out.TimedOut:
			sample.Outcome = adaptive.OutcomeTimeout
		case out.Err != nil:
			sample.Outcome = adaptive.OutcomeFailure
		}
		o.adaptive.Record(sample)
	}

	task, ok := o.graph.Get(out.TaskID)
	if !ok {
		return
	}

	switch {
	case ex.cancelErr != nil || out.Cancelled:
		reason := ex.cancelErr
		if reason == nil {
			reason = scheduler.ErrCancelled
		}
		log.Info("task cancelled")
		if err := o.graph.MarkCancelled(out.TaskID, reason); err != nil {
			log.WithError(err).Error("failed to mark task cancelled")
			return
		}
		o.settle(out.TaskID)
		o.cascade(out.TaskID)

	case out.Err == nil:
		promoted, err := o.graph.MarkCompleted(out.TaskID, out.Result)
		if err != nil {
			log.WithError(err).Error("failed to mark task completed")
			return
		}
		log.WithField("duration", out.Duration).Info("task completed")
		o.settle(out.TaskID)
		if len(promoted) > 0 {
			log.WithField("promoted", promoted).Debug("dependents ready")
		}

	case out.Retryable && task.RetryCount < task.MaxRetries && !(o.closing && !o.drain):
		delay := o.controller.Delay(task.RetryCount)
		if err := o.graph.Requeue(out.TaskID, time.Now().Add(delay)); err != nil {
			log.WithError(err).Error("failed to requeue task")
			return
		}
		log.WithError(out.Err).WithField("delay", delay).Warn("attempt failed, retrying")
		time.AfterFunc(delay, o.poke)
		o.publish(events.TopicTask, events.TaskRetryingEvent{TaskInfo: taskInfo(task), Err: out.Err, Delay: delay, Timestamp: time.Now()})

	default:
		log.WithError(out.Err).Error("task failed")
		o.fail(out.TaskID, out.Err)
	}
}

// fail marks a task failed, resolves it and cancels its dependents.
func (o *Orchestrator) fail(taskID string, err error) {
	if markErr := o.graph.MarkFailed(taskID, err); markErr != nil {
		o.log.WithError(markErr).WithField("task_id", taskID).Error("failed to mark task failed")
		return
	}
	o.settle(taskID)
	o.cascade(taskID)
}

// cascade cancels the unstarted dependents of a failed or cancelled task.
func (o *Orchestrator) cascade(taskID string) {
	blocked := o.graph.CascadeCancel(taskID)
	if len(blocked) == 0 {
		return
	}
	o.log.WithFields(logrus.Fields{"task_id": taskID, "blocked": blocked}).Warn("dependents cancelled")
	for _, id := range blocked {
		o.settle(id)
	}
}

// cancelRunning asks a running attempt to stop. The task is marked Cancelled
// when the attempt returns.
func (o *Orchestrator) cancelRunning(taskID string, reason error) {
	ex, ok := o.running[taskID]
	if !ok || ex.cancelErr != nil {
		return
	}
	ex.cancelErr = reason
	ex.cancel(reason)
}

// settle resolves the future of a terminal task and publishes its event.
func (o *Orchestrator) settle(taskID string) {
	task, ok := o.graph.Get(taskID)
	if !ok || !task.Status.Terminal() {
		return
	}
	delete(o.approved, taskID)

	result := TaskResult{
		ID:          task.ID,
		Name:        task.Definition.Name,
		Status:      task.Status,
		Result:      task.Result,
		Err:         task.Err,
		Attempts:    task.Attempts,
		RetryCount:  task.RetryCount,
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
	}

	o.futMu.Lock()
	f, ok := o.futures[taskID]
	if ok {
		select {
		case <-f.done:
			ok = false // Already resolved
		default:
			f.result = result
			close(f.done)
		}
	}
	o.futMu.Unlock()
	if !ok {
		return
	}

	info := taskInfo(task)
	now := time.Now()
	switch task.Status {
	case scheduler.TaskCompleted:
		o.publish(events.TopicTask, events.TaskCompletedEvent{TaskInfo: info, Result: task.Result, Duration: task.Duration(), Timestamp: now})
	case scheduler.TaskFailed:
		o.publish(events.TopicTask, events.TaskFailedEvent{TaskInfo: info, Err: task.Err, Duration: task.Duration(), Timestamp: now})
	case scheduler.TaskCancelled:
		o.publish(events.TopicTask, events.TaskCancelledEvent{TaskInfo: info, Err: task.Err, Timestamp: now})
	}
}

// evict drops finished tasks older than the retention window.
func (o *Orchestrator) evict() {
	if o.cfg.Retention <= 0 {
		return
	}
	ids := o.graph.Evict(time.Now(), o.cfg.Retention)
	if len(ids) == 0 {
		return
	}

	o.futMu.Lock()
	for _, id := range ids {
		if f, ok := o.futures[id]; ok {
			o.evicted[f.result.Status]++
			delete(o.futures, id)
		}
	}
	o.futMu.Unlock()
	o.log.WithField("count", len(ids)).Debug("evicted finished tasks")
}

func (o *Orchestrator) onDecision(d adaptive.Decision) {
	o.log.WithFields(logrus.Fields{"from": d.Previous, "to": d.Limit}).Infof("concurrency %s: %s", d.Action, d.Reason)
	o.publish(events.TopicScheduler, events.ConcurrencyChangedEvent{
		Previous:  d.Previous,
		Limit:     d.Limit,
		Action:    d.Action.String(),
		Reason:    d.Reason,
		Timestamp: time.Now(),
	})
}

// poke wakes the loop without blocking.
func (o *Orchestrator) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) publish(topic string, event events.Event) {
	if o.bus != nil {
		o.bus.Publish(topic, event)
	}
}

func taskInfo(task *scheduler.Task) events.TaskInfo {
	return events.TaskInfo{
		ID:        task.ID,
		Name:      task.Definition.Name,
		Kind:      task.Definition.Kind,
		Agent:     task.Agent,
		Priority:  task.Priority,
		Attempts:  task.Attempts,
		CreatedAt: task.CreatedAt,
		StartedAt: task.StartedAt,
	}
}
