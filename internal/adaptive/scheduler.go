package adaptive

import (
	"fmt"
	"sync"
	"time"
)

// Default scheduler values.
const (
	defaultWindowSize = 50
	defaultCooldown   = 5 * time.Second
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStrategy replaces the default AIMD strategy.
func WithStrategy(s Strategy) Option {
	return func(sc *Scheduler) { sc.strategy = s }
}

// WithWindowSize sets how many recent samples are kept.
func WithWindowSize(n int) Option {
	return func(sc *Scheduler) {
		if n > 0 {
			sc.windowSize = n
		}
	}
}

// WithCooldown sets the minimum time between two limit changes.
func WithCooldown(d time.Duration) Option {
	return func(sc *Scheduler) { sc.cooldown = d }
}

// WithOnDecision registers a callback invoked after every limit change.
// It runs on the goroutine that called Record, outside the scheduler lock.
func WithOnDecision(fn func(Decision)) Option {
	return func(sc *Scheduler) { sc.onDecision = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(sc *Scheduler) { sc.now = now }
}

// Scheduler owns the global concurrency limit. The limit starts at the
// configured ceiling and never leaves [1, ceiling]. It is safe for
// concurrent use.
type Scheduler struct {
	mu           sync.Mutex
	strategy     Strategy
	window       []Sample
	windowSize   int
	cooldown     time.Duration
	lastDecision time.Time
	limit        int
	ceiling      int
	prevMean     time.Duration
	onDecision   func(Decision)
	now          func() time.Time
}

// NewScheduler creates a Scheduler whose limit starts at ceiling.
// Unset options use defaults.
func NewScheduler(ceiling int, opts ...Option) *Scheduler {
	ceiling = max(ceiling, 1)
	sc := &Scheduler{
		strategy:   DefaultAIMD(1, 0),
		windowSize: defaultWindowSize,
		cooldown:   defaultCooldown,
		limit:      ceiling,
		ceiling:    ceiling,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Record adds a sample and lets the strategy revise the limit. The window is
// cleared after every change so the next decision only sees its effect.
func (sc *Scheduler) Record(sample Sample) Decision {
	sc.mu.Lock()

	sc.window = append(sc.window, sample)
	if len(sc.window) > sc.windowSize {
		sc.window = append(sc.window[:0], sc.window[len(sc.window)-sc.windowSize:]...)
	}

	now := sc.now()
	if !sc.lastDecision.IsZero() && now.Sub(sc.lastDecision) < sc.cooldown {
		d := Decision{Action: ActionNone, Previous: sc.limit, Limit: sc.limit, Reason: "cooldown period active"}
		sc.mu.Unlock()
		return d
	}

	stats := sc.statsLocked()
	d := sc.strategy.Next(sc.limit, stats)
	d.Previous = sc.limit
	d.Limit = min(max(d.Limit, 1), sc.ceiling)
	if d.Limit == sc.limit {
		if d.Action != ActionNone {
			d.Reason = fmt.Sprintf("%s (limit pinned at %d)", d.Reason, sc.limit)
		}
		d.Action = ActionNone
		sc.mu.Unlock()
		return d
	}

	sc.limit = d.Limit
	sc.lastDecision = now
	sc.prevMean = stats.MeanLatency
	sc.window = sc.window[:0]
	cb := sc.onDecision
	sc.mu.Unlock()

	if cb != nil {
		cb(d)
	}
	return d
}

// Limit returns the current global concurrency limit.
func (sc *Scheduler) Limit() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.limit
}

// Ceiling returns the configured upper bound.
func (sc *Scheduler) Ceiling() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.ceiling
}

// Multiplier returns Limit/Ceiling, in (0, 1].
func (sc *Scheduler) Multiplier() float64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return float64(sc.limit) / float64(sc.ceiling)
}

// SetCeiling changes the upper bound, keeping the current multiplier where
// possible. A limit above the new ceiling is lowered to it.
func (sc *Scheduler) SetCeiling(ceiling int) {
	ceiling = max(ceiling, 1)

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.limit == sc.ceiling || sc.limit > ceiling {
		sc.limit = ceiling
	}
	sc.ceiling = ceiling
}

// Stats returns the statistics of the current window.
func (sc *Scheduler) Stats() Stats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.statsLocked()
}

func (sc *Scheduler) statsLocked() Stats {
	st := Stats{Samples: len(sc.window), PrevMeanLatency: sc.prevMean}
	if st.Samples == 0 {
		return st
	}

	var total time.Duration
	for _, s := range sc.window {
		total += s.Duration
		switch s.Outcome {
		case OutcomeFailure:
			st.Failures++
		case OutcomeTimeout:
			st.Failures++
			st.Timeouts++
		}
	}
	st.ErrorRate = float64(st.Failures) / float64(st.Samples)
	st.MeanLatency = total / time.Duration(st.Samples)
	return st
}
