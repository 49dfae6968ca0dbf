package resource

import (
	"sort"
	"sync"
)

// KeyLocks provides per-key mutual exclusion for concurrently running tasks.
// Unlike a keyed mutex it never blocks: TryLockAll either takes every key or
// none, so the scheduling goroutine can skip a conflicting task and retry it
// on a later cycle.
type KeyLocks struct {
	mu   sync.Mutex
	held map[string]string // key -> holder (task ID)
}

// NewKeyLocks creates an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{
		held: make(map[string]string),
	}
}

// TryLockAll acquires every key for holder, or nothing if any key is held by
// someone else. Keys already held by holder count as acquired.
func (k *KeyLocks) TryLockAll(holder string, keys []string) bool {
	if len(keys) == 0 {
		return true
	}

	sorted := sortedCopy(keys)

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, key := range sorted {
		if owner, ok := k.held[key]; ok && owner != holder {
			return false
		}
	}
	for _, key := range sorted {
		k.held[key] = holder
	}
	return true
}

// UnlockAll releases the keys held by holder. Keys owned by another holder
// are left untouched.
func (k *KeyLocks) UnlockAll(holder string, keys []string) {
	if len(keys) == 0 {
		return
	}

	sorted := sortedCopy(keys)

	k.mu.Lock()
	defer k.mu.Unlock()

	// Release in reverse sorted order for symmetry with TryLockAll
	for i := len(sorted) - 1; i >= 0; i-- {
		if k.held[sorted[i]] == holder {
			delete(k.held, sorted[i])
		}
	}
}

// Holder returns the task currently holding key.
func (k *KeyLocks) Holder(key string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	holder, ok := k.held[key]
	return holder, ok
}

// Len returns the number of held keys.
func (k *KeyLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.held)
}

func sortedCopy(keys []string) []string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return sorted
}
