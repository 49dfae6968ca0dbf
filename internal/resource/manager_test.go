package resource

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestManager_ConcurrencyCeiling verifies max_concurrent_tasks is enforced.
func TestManager_ConcurrencyCeiling(t *testing.T) {
	m := NewManager(Quota{}, map[string]Quota{"coder": {MaxConcurrentTasks: 2}})

	if !m.TryAcquire("coder", 0) || !m.TryAcquire("coder", 0) {
		t.Fatal("first two acquisitions should succeed")
	}
	if m.TryAcquire("coder", 0) {
		t.Fatal("third acquisition should be refused")
	}

	err := m.Admit("coder", 0)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("Admit() error = %v, want ErrResourceExhausted", err)
	}

	m.Release("coder", 0)
	if !m.TryAcquire("coder", 0) {
		t.Error("acquisition after release should succeed")
	}
}

// TestManager_RefusalHasNoSideEffects verifies a refused admission changes nothing.
func TestManager_RefusalHasNoSideEffects(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Quota{}, map[string]Quota{"coder": {MaxConcurrentTasks: 1, MaxRequestsPerMinute: 10, MaxMemoryMB: 100}}, WithClock(clock.Now))

	m.TryAcquire("coder", 60)
	before := m.Usage()

	if m.TryAcquire("coder", 10) {
		t.Fatal("acquisition over concurrency ceiling should be refused")
	}
	after := m.Usage()
	if before[0] != after[0] {
		t.Errorf("usage changed after refusal: before=%+v after=%+v", before[0], after[0])
	}
}

// TestManager_RateWindow verifies the sliding one-minute request window.
func TestManager_RateWindow(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Quota{}, map[string]Quota{"api": {MaxRequestsPerMinute: 3}}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		if !m.TryAcquire("api", 0) {
			t.Fatalf("request %d should be admitted", i+1)
		}
		m.Release("api", 0)
		clock.Advance(10 * time.Second)
	}

	// 30s after the first request: window still holds 3 entries.
	if m.TryAcquire("api", 0) {
		t.Fatal("fourth request inside the window should be refused")
	}

	// First request ages out 60s after it was made.
	clock.Advance(30 * time.Second)
	if !m.TryAcquire("api", 0) {
		t.Fatal("request after the oldest entry expired should be admitted")
	}
	if m.TryAcquire("api", 0) {
		t.Fatal("window should be full again")
	}
}

// TestManager_RateWindowProperty admits as fast as possible for several
// minutes and checks no 60s window holds more than the limit.
func TestManager_RateWindowProperty(t *testing.T) {
	const limit = 5
	clock := newFakeClock()
	m := NewManager(Quota{}, map[string]Quota{"api": {MaxRequestsPerMinute: limit}}, WithClock(clock.Now))

	var admitted []time.Time
	for step := 0; step < 600; step++ {
		if m.TryAcquire("api", 0) {
			admitted = append(admitted, clock.Now())
			m.Release("api", 0)
		}
		clock.Advance(time.Second)
	}

	if len(admitted) < limit*5 {
		t.Fatalf("expected steady admissions, got %d", len(admitted))
	}
	for i := range admitted {
		count := 0
		for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) < time.Minute; j++ {
			count++
		}
		if count > limit {
			t.Fatalf("window starting %s contains %d admissions, limit %d", admitted[i], count, limit)
		}
	}
}

// TestManager_Memory verifies memory reservation and release.
func TestManager_Memory(t *testing.T) {
	m := NewManager(Quota{}, map[string]Quota{"browser": {MaxMemoryMB: 1024}})

	if !m.TryAcquire("browser", 512) || !m.TryAcquire("browser", 512) {
		t.Fatal("two 512MB reservations should fit in 1024MB")
	}
	if m.TryAcquire("browser", 1) {
		t.Fatal("reservation beyond memory ceiling should be refused")
	}
	m.Release("browser", 512)
	if !m.TryAcquire("browser", 256) {
		t.Fatal("reservation after release should fit")
	}

	if err := m.Fits("browser", 2048); !errors.Is(err, ErrExceedsQuota) {
		t.Errorf("Fits() error = %v, want ErrExceedsQuota", err)
	}
}

// TestManager_Unconstrained verifies the empty agent bypasses every check.
func TestManager_Unconstrained(t *testing.T) {
	m := NewManager(Quota{MaxConcurrentTasks: 1}, nil)

	for i := 0; i < 100; i++ {
		if !m.TryAcquire("", 1<<20) {
			t.Fatalf("unconstrained acquisition %d refused", i)
		}
	}
	if len(m.Usage()) != 0 {
		t.Errorf("unconstrained tasks should not create agent state")
	}
}

// TestManager_DefaultsApply verifies agents without explicit quota use defaults.
func TestManager_DefaultsApply(t *testing.T) {
	m := NewManager(Quota{MaxConcurrentTasks: 1}, map[string]Quota{"wide": {MaxConcurrentTasks: 3}})

	if !m.TryAcquire("anonymous", 0) {
		t.Fatal("first acquisition should succeed")
	}
	if m.TryAcquire("anonymous", 0) {
		t.Fatal("default ceiling of 1 should refuse the second")
	}
	for i := 0; i < 3; i++ {
		if !m.TryAcquire("wide", 0) {
			t.Fatalf("explicit quota acquisition %d refused", i+1)
		}
	}
}

// TestManager_UpdateKeepsCounters verifies hot reload preserves live state.
func TestManager_UpdateKeepsCounters(t *testing.T) {
	m := NewManager(Quota{}, map[string]Quota{"coder": {MaxConcurrentTasks: 3}})
	m.TryAcquire("coder", 0)
	m.TryAcquire("coder", 0)

	m.Update(Quota{}, map[string]Quota{"coder": {MaxConcurrentTasks: 2}})
	if m.TryAcquire("coder", 0) {
		t.Fatal("lowered ceiling should apply to existing running count")
	}
	usage := m.Usage()
	if len(usage) != 1 || usage[0].Running != 2 || usage[0].Utilization != 1 {
		t.Errorf("usage = %+v, want 2 running at full utilization", usage)
	}

	m.Update(Quota{}, map[string]Quota{"coder": {MaxConcurrentTasks: 4}})
	if !m.TryAcquire("coder", 0) {
		t.Fatal("raised ceiling should admit")
	}
}

// TestManager_ConcurrentAcquire hammers one agent from many goroutines.
func TestManager_ConcurrentAcquire(t *testing.T) {
	const limit = 4
	m := NewManager(Quota{}, map[string]Quota{"coder": {MaxConcurrentTasks: limit}})

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				if !m.TryAcquire("coder", 0) {
					continue
				}
				c := current.Add(1)
				for {
					p := peak.Load()
					if c <= p || peak.CompareAndSwap(p, c) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				current.Add(-1)
				m.Release("coder", 0)
			}
		}()
	}
	wg.Wait()

	if peak.Load() > limit {
		t.Errorf("peak concurrency %d exceeded limit %d", peak.Load(), limit)
	}
}

// TestKeyLocks verifies all-or-nothing acquisition.
func TestKeyLocks(t *testing.T) {
	locks := NewKeyLocks()

	if !locks.TryLockAll("t1", []string{"b.go", "a.go"}) {
		t.Fatal("t1 should take a.go and b.go")
	}
	if locks.TryLockAll("t2", []string{"c.go", "a.go"}) {
		t.Fatal("t2 should be refused because a.go is held")
	}
	if _, held := locks.Holder("c.go"); held {
		t.Fatal("refused TryLockAll must not take any key")
	}
	if !locks.TryLockAll("t1", []string{"a.go"}) {
		t.Error("holder re-acquiring its own key should succeed")
	}

	locks.UnlockAll("t2", []string{"a.go"})
	if holder, _ := locks.Holder("a.go"); holder != "t1" {
		t.Errorf("a.go holder = %q, want t1", holder)
	}

	locks.UnlockAll("t1", []string{"a.go", "b.go"})
	if locks.Len() != 0 {
		t.Errorf("Len() = %d after unlock, want 0", locks.Len())
	}
	if !locks.TryLockAll("t2", []string{"c.go", "a.go"}) {
		t.Error("t2 should acquire after t1 released")
	}
	if !locks.TryLockAll("t3", nil) {
		t.Error("empty key set always succeeds")
	}
}
