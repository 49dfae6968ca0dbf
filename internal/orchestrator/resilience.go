package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskgraph/internal/scheduler"
)

// RetryConfig configures the delay between attempts of one task.
type RetryConfig struct {
	BaseDelay           time.Duration // Delay before the first retry (default 500ms)
	MaxDelay            time.Duration // Upper bound on any delay (default 30s)
	Multiplier          float64       // Growth factor per retry (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// BreakerConfig configures per-agent circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures that trip a breaker; 0 disables breakers
	OpenTimeout      time.Duration // How long a tripped breaker stays open (default 30s)
	HalfOpenRequests uint32        // Trial requests allowed while half-open (default 3)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// Permanent marks an executor error as not worth retrying. The task fails on
// the attempt that returned it regardless of its remaining retries.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// CircuitBreakerRegistry manages per-agent circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	log      logrus.FieldLogger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig, log logrus.FieldLogger) *CircuitBreakerRegistry {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 3
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given agent, creating it on first
// use. Returns nil when breakers are disabled.
func (r *CircuitBreakerRegistry) Get(agent string) *gobreaker.CircuitBreaker {
	if r == nil || r.cfg.FailureThreshold <= 0 {
		return nil
	}
	if agent == "" {
		agent = "unassigned"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agent]; ok {
		return cb
	}

	threshold := uint32(r.cfg.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agent,
		MaxRequests: r.cfg.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.WithField("agent", name).Warnf("circuit breaker %s -> %s", from, to)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation and permanent rejections are not agent
			// health signals. Timeouts are.
			if err == nil {
				return true
			}
			var cancelled *callerCancelledError
			if errors.As(err, &cancelled) {
				return true
			}
			var perm *backoff.PermanentError
			return errors.As(err, &perm)
		},
	})

	r.breakers[agent] = cb
	return cb
}

// State returns the breaker state for agent, or StateClosed if none exists.
func (r *CircuitBreakerRegistry) State(agent string) gobreaker.State {
	if cb := r.Get(agent); cb != nil {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// Attempt describes one execution attempt handed to the Controller.
type Attempt struct {
	TaskID     string
	Agent      string
	Number     int // 1-based
	Timeout    time.Duration
	Definition scheduler.Definition
}

// Outcome is the result of one attempt.
type Outcome struct {
	TaskID    string
	Attempt   int
	Result    string
	Err       error // nil on success
	Duration  time.Duration
	TimedOut  bool
	Cancelled bool
	Retryable bool // False for cancellation and permanent errors
}

type execResult struct {
	value string
	err   error
}

// Controller runs single attempts under a deadline, through the agent's
// circuit breaker, and computes the delay before the next attempt.
type Controller struct {
	retry    RetryConfig
	breakers *CircuitBreakerRegistry
	log      logrus.FieldLogger

	mu       sync.Mutex
	inflight map[string]chan struct{} // task ID -> closed when the executor call returns
}

// NewController creates a Controller.
func NewController(retry RetryConfig, breakers *CircuitBreakerRegistry, log logrus.FieldLogger) *Controller {
	if retry.Multiplier < 1 {
		retry.Multiplier = 2.0
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = retry.BaseDelay
	}
	return &Controller{
		retry:    retry,
		breakers: breakers,
		log:      log,
		inflight: make(map[string]chan struct{}),
	}
}

// Delay returns the wait before retry number retryCount+1:
// BaseDelay * Multiplier^retryCount, capped at MaxDelay.
func (c *Controller) Delay(retryCount int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retry.BaseDelay
	policy.MaxInterval = c.retry.MaxDelay
	policy.Multiplier = c.retry.Multiplier
	policy.RandomizationFactor = c.retry.RandomizationFactor
	policy.MaxElapsedTime = 0 // never give up; retry counting is the caller's job
	policy.Reset()

	delay := policy.NextBackOff()
	for i := 0; i < retryCount; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

// Inflight reports whether an executor call for taskID has not returned yet.
func (c *Controller) Inflight(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[taskID]
	return ok
}

// Run executes one attempt. The deadline covers the whole attempt, including
// waiting for a previous attempt of the same task whose executor call has not
// returned yet; two executor calls for one task never overlap.
//
// A deadline hit yields a *scheduler.TaskTimeoutError even if the executor
// returns later. When ctx is cancelled Run waits for the executor to return or
// the deadline to pass, then reports cancellation.
func (c *Controller) Run(ctx context.Context, a Attempt, exec Executor) Outcome {
	start := time.Now()
	out := Outcome{TaskID: a.TaskID, Attempt: a.Number}
	log := c.log.WithFields(logrus.Fields{"task_id": a.TaskID, "agent": a.Agent, "attempt": a.Number})

	attemptCtx, cancel := withOptionalTimeout(ctx, a.Timeout)
	defer cancel()

	// Serialize with a previous executor call that outlived its attempt
	if prev := c.previous(a.TaskID); prev != nil {
		log.Debug("waiting for previous attempt to return")
		select {
		case <-prev:
		case <-attemptCtx.Done():
			return c.interrupted(ctx, a, out, start)
		}
	}

	resCh := make(chan execResult, 1)
	done := c.register(a.TaskID)

	go func() {
		value, err := c.execute(ctx, attemptCtx, a, exec)
		c.unregister(a.TaskID, done)
		resCh <- execResult{value: value, err: err}
	}()

	select {
	case res := <-resCh:
		out.Duration = time.Since(start)
		switch {
		case ctx.Err() != nil && res.err != nil:
			out.Cancelled = true
			out.Err = context.Cause(ctx)
		case ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			// Deadline passed; a late result does not count
			out.TimedOut = true
			out.Retryable = true
			out.Err = &scheduler.TaskTimeoutError{TaskID: a.TaskID, Attempt: a.Number, Timeout: a.Timeout}
		case res.err == nil:
			out.Result = res.value
		default:
			out.Err, out.Retryable = classify(a, res.err)
		}
		return out

	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Cooperative cancellation: give the executor until the deadline to acknowledge
			c.awaitAck(resCh, start, a.Timeout)
			out.Duration = time.Since(start)
			out.Cancelled = true
			out.Err = context.Cause(ctx)
			return out
		}
		log.Warnf("attempt exceeded timeout of %s", a.Timeout)
		out.Duration = time.Since(start)
		out.TimedOut = true
		out.Retryable = true
		out.Err = &scheduler.TaskTimeoutError{TaskID: a.TaskID, Attempt: a.Number, Timeout: a.Timeout}
		return out
	}
}

// interrupted builds the outcome for an attempt that never reached the executor.
func (c *Controller) interrupted(ctx context.Context, a Attempt, out Outcome, start time.Time) Outcome {
	out.Duration = time.Since(start)
	if ctx.Err() != nil {
		out.Cancelled = true
		out.Err = context.Cause(ctx)
		return out
	}
	out.TimedOut = true
	out.Retryable = true
	out.Err = &scheduler.TaskTimeoutError{TaskID: a.TaskID, Attempt: a.Number, Timeout: a.Timeout}
	return out
}

// awaitAck waits for the executor to return, bounded by the attempt deadline
// measured from start. Without a timeout it waits for the executor.
func (c *Controller) awaitAck(resCh <-chan execResult, start time.Time, timeout time.Duration) {
	if timeout <= 0 {
		<-resCh
		return
	}
	remaining := time.Until(start.Add(timeout))
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-resCh:
	case <-timer.C:
	}
}

// callerCancelledError marks an executor error that followed cancellation of
// the caller's context rather than the attempt's own deadline.
type callerCancelledError struct {
	err error
}

func (e *callerCancelledError) Error() string { return e.err.Error() }

func (e *callerCancelledError) Unwrap() error { return e.err }

// execute calls exec through the agent's breaker. parent is the caller's
// context; ctx adds the attempt deadline.
func (c *Controller) execute(parent, ctx context.Context, a Attempt, exec Executor) (string, error) {
	cb := c.breakers.Get(a.Agent)
	if cb == nil {
		return exec.Execute(ctx, a.Definition)
	}
	value, err := cb.Execute(func() (interface{}, error) {
		v, err := exec.Execute(ctx, a.Definition)
		if err != nil && parent.Err() != nil {
			return nil, &callerCancelledError{err: err}
		}
		return v, err
	})
	if err != nil {
		var cancelled *callerCancelledError
		if errors.As(err, &cancelled) {
			return "", cancelled.err
		}
		return "", err
	}
	return value.(string), nil
}

// classify wraps an executor error and decides whether it may be retried.
func classify(a Attempt, err error) (error, bool) {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return &scheduler.TaskExecutionError{TaskID: a.TaskID, Attempt: a.Number, Err: perm.Err}, false
	}
	// An open breaker is transient: backoff gives it time to close
	return &scheduler.TaskExecutionError{TaskID: a.TaskID, Attempt: a.Number, Err: err}, true
}

func (c *Controller) previous(taskID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[taskID]
}

func (c *Controller) register(taskID string) chan struct{} {
	done := make(chan struct{})
	c.mu.Lock()
	c.inflight[taskID] = done
	c.mu.Unlock()
	return done
}

func (c *Controller) unregister(taskID string, done chan struct{}) {
	c.mu.Lock()
	if c.inflight[taskID] == done {
		delete(c.inflight, taskID)
	}
	c.mu.Unlock()
	close(done)
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
