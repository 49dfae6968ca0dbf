// Package resource implements per-agent admission control: concurrency,
// request-rate and memory ceilings, plus exclusive resource keys.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrResourceExhausted is the internal backpressure signal returned by Admit.
// Callers keep the task queued; it is never reported as a task failure.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrExceedsQuota means a single request can never fit under a ceiling.
var ErrExceedsQuota = errors.New("request exceeds agent quota")

const defaultWindow = time.Minute

// Quota holds the configured ceilings of one agent. Zero means unlimited.
type Quota struct {
	MaxConcurrentTasks   int
	MaxRequestsPerMinute int
	MaxMemoryMB          int
}

// Usage is a point-in-time view of one agent's counters.
type Usage struct {
	Agent              string
	Quota              Quota
	Running            int
	RequestsLastMinute int
	MemoryReservedMB   int
	Utilization        float64 // Highest used/limit ratio across bounded ceilings
}

type agentState struct {
	running  int
	memoryMB int
	requests []time.Time // Admission timestamps, oldest first
}

// Option configures a Manager.
type Option func(*Manager)

// WithWindow overrides the rate-limit window (default one minute).
func WithWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager tracks per-agent admission state. It is safe for concurrent use,
// although the orchestrator only calls it from its scheduling goroutine.
type Manager struct {
	mu       sync.Mutex
	defaults Quota
	quotas   map[string]Quota
	agents   map[string]*agentState
	window   time.Duration
	now      func() time.Time
}

// NewManager creates a Manager. Agents without an explicit quota use defaults.
func NewManager(defaults Quota, quotas map[string]Quota, opts ...Option) *Manager {
	m := &Manager{
		defaults: defaults,
		quotas:   copyQuotas(quotas),
		agents:   make(map[string]*agentState),
		window:   defaultWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryAcquire admits one dispatch for agent when every ceiling holds.
// It returns false with no side effect otherwise.
func (m *Manager) TryAcquire(agent string, memoryMB int) bool {
	return m.Admit(agent, memoryMB) == nil
}

// Admit is TryAcquire with the reason for a refusal. The returned error
// wraps ErrResourceExhausted. The empty agent is unconstrained.
func (m *Manager) Admit(agent string, memoryMB int) error {
	if agent == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.quotaLocked(agent)
	st := m.stateLocked(agent)
	now := m.now()
	m.pruneLocked(st, now)

	if q.MaxConcurrentTasks > 0 && st.running >= q.MaxConcurrentTasks {
		return fmt.Errorf("%w: agent %q running %d/%d tasks", ErrResourceExhausted, agent, st.running, q.MaxConcurrentTasks)
	}
	if q.MaxRequestsPerMinute > 0 && len(st.requests) >= q.MaxRequestsPerMinute {
		return fmt.Errorf("%w: agent %q made %d/%d requests in the last %s", ErrResourceExhausted, agent, len(st.requests), q.MaxRequestsPerMinute, m.window)
	}
	if q.MaxMemoryMB > 0 && st.memoryMB+memoryMB > q.MaxMemoryMB {
		return fmt.Errorf("%w: agent %q memory %d+%d exceeds %d MB", ErrResourceExhausted, agent, st.memoryMB, memoryMB, q.MaxMemoryMB)
	}

	st.running++
	st.memoryMB += memoryMB
	st.requests = append(st.requests, now)
	return nil
}

// Release returns the concurrency slot and memory reserved by Admit.
// Rate-window entries are not returned; they age out.
func (m *Manager) Release(agent string, memoryMB int) {
	if agent == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.agents[agent]
	if !ok {
		return
	}
	st.running--
	if st.running < 0 {
		st.running = 0
	}
	st.memoryMB -= memoryMB
	if st.memoryMB < 0 {
		st.memoryMB = 0
	}
}

// Fits reports whether a request of memoryMB could ever be admitted for agent
// under its current quota.
func (m *Manager) Fits(agent string, memoryMB int) error {
	if agent == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.quotaLocked(agent)
	if q.MaxMemoryMB > 0 && memoryMB > q.MaxMemoryMB {
		return fmt.Errorf("%w: %d MB requested, agent %q allows %d MB", ErrExceedsQuota, memoryMB, agent, q.MaxMemoryMB)
	}
	return nil
}

// Update replaces the configured ceilings. Live counters are kept, so tasks
// admitted under the old quota finish normally.
func (m *Manager) Update(defaults Quota, quotas map[string]Quota) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.defaults = defaults
	m.quotas = copyQuotas(quotas)
}

// Quota returns the effective quota for agent.
func (m *Manager) Quota(agent string) Quota {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotaLocked(agent)
}

// Usage returns a snapshot of every agent that has a quota or live counters,
// sorted by agent name.
func (m *Manager) Usage() []Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make(map[string]bool)
	for name := range m.quotas {
		names[name] = true
	}
	for name := range m.agents {
		names[name] = true
	}

	now := m.now()
	usage := make([]Usage, 0, len(names))
	for name := range names {
		q := m.quotaLocked(name)
		u := Usage{Agent: name, Quota: q}
		if st, ok := m.agents[name]; ok {
			m.pruneLocked(st, now)
			u.Running = st.running
			u.MemoryReservedMB = st.memoryMB
			u.RequestsLastMinute = len(st.requests)
		}
		u.Utilization = utilization(u)
		usage = append(usage, u)
	}
	sort.Slice(usage, func(i, j int) bool { return usage[i].Agent < usage[j].Agent })
	return usage
}

func (m *Manager) quotaLocked(agent string) Quota {
	if q, ok := m.quotas[agent]; ok {
		return q
	}
	return m.defaults
}

func (m *Manager) stateLocked(agent string) *agentState {
	st, ok := m.agents[agent]
	if !ok {
		st = &agentState{}
		m.agents[agent] = st
	}
	return st
}

// pruneLocked drops request timestamps that left the window.
func (m *Manager) pruneLocked(st *agentState, now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(st.requests) && !st.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.requests = append(st.requests[:0], st.requests[i:]...)
	}
}

func utilization(u Usage) float64 {
	var ratio float64
	if u.Quota.MaxConcurrentTasks > 0 {
		ratio = max(ratio, float64(u.Running)/float64(u.Quota.MaxConcurrentTasks))
	}
	if u.Quota.MaxRequestsPerMinute > 0 {
		ratio = max(ratio, float64(u.RequestsLastMinute)/float64(u.Quota.MaxRequestsPerMinute))
	}
	if u.Quota.MaxMemoryMB > 0 {
		ratio = max(ratio, float64(u.MemoryReservedMB)/float64(u.Quota.MaxMemoryMB))
	}
	return ratio
}

func copyQuotas(quotas map[string]Quota) map[string]Quota {
	cp := make(map[string]Quota, len(quotas))
	for k, v := range quotas {
		cp[k] = v
	}
	return cp
}
