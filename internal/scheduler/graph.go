package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Graph holds tasks and their dependency edges in flat, id-indexed maps.
// It rejects any edge that would close a cycle and tracks, per task, how many
// dependencies are still incomplete so completion unblocks dependents in O(1).
//
// The orchestrator is the only writer; the RWMutex lets metrics and
// inspection code read concurrently.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> tasks that depend on it
	waiting    map[string]int      // Maps taskID -> dependencies not yet completed
	seq        uint64
	now        func() time.Time
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		waiting:    make(map[string]int),
		now:        time.Now,
	}
}

// AddTask inserts a task with the edges listed in task.Dependencies.
//
// The task becomes Ready when every dependency is already Completed, Pending
// otherwise. If any dependency has already failed or been cancelled the task
// is inserted directly as Cancelled with a *BlockedError. On error the graph
// is left unchanged.
func (g *Graph) AddTask(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, task.ID)
	}

	deps := dedupe(task.Dependencies)
	for _, depID := range deps {
		if depID == task.ID {
			return &DependencyCycleError{TaskID: task.ID, DependencyID: depID, Path: []string{task.ID}}
		}
		if _, exists := g.tasks[depID]; !exists {
			return &UnknownDependencyError{TaskID: task.ID, DependencyID: depID}
		}
		if path := g.pathLocked(task.ID, depID); path != nil {
			return &DependencyCycleError{TaskID: task.ID, DependencyID: depID, Path: path}
		}
	}

	t := cloneTask(task)
	t.Dependencies = deps
	t.Dependents = nil
	t.Result = ""
	t.Err = nil
	g.seq++
	t.Seq = g.seq
	if t.CreatedAt.IsZero() {
		t.CreatedAt = g.now()
	}

	incomplete := 0
	var blockedBy *Task
	for _, depID := range deps {
		dep := g.tasks[depID]
		switch dep.Status {
		case TaskCompleted:
		case TaskFailed, TaskCancelled:
			if blockedBy == nil {
				blockedBy = dep
			}
			incomplete++
		default:
			incomplete++
		}
		g.dependents[depID] = append(g.dependents[depID], t.ID)
	}

	g.tasks[t.ID] = t
	g.waiting[t.ID] = incomplete

	switch {
	case blockedBy != nil:
		t.Status = TaskCancelled
		t.Err = blockedErr(t.ID, blockedBy)
		t.CompletedAt = g.now()
	case incomplete == 0:
		t.Status = TaskReady
	default:
		t.Status = TaskPending
	}
	return nil
}

// AddDependency inserts the edge depID -> taskID on an existing task that
// has not started yet. The insertion is rejected atomically when depID
// already (transitively) depends on taskID.
func (g *Graph) AddDependency(taskID, depID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	dep, exists := g.tasks[depID]
	if !exists {
		return &UnknownDependencyError{TaskID: taskID, DependencyID: depID}
	}
	if task.Status != TaskPending && task.Status != TaskReady {
		return fmt.Errorf("%w: %q is %s", ErrTaskStarted, taskID, task.Status)
	}
	if taskID == depID {
		return &DependencyCycleError{TaskID: taskID, DependencyID: depID, Path: []string{taskID}}
	}
	for _, existing := range task.Dependencies {
		if existing == depID {
			return nil
		}
	}
	if path := g.pathLocked(taskID, depID); path != nil {
		return &DependencyCycleError{TaskID: taskID, DependencyID: depID, Path: path}
	}
	if dep.Status == TaskFailed || dep.Status == TaskCancelled {
		return fmt.Errorf("%w: dependency %q is already %s", ErrInvalidTransition, depID, dep.Status)
	}

	task.Dependencies = append(task.Dependencies, depID)
	g.dependents[depID] = append(g.dependents[depID], taskID)
	if dep.Status != TaskCompleted {
		g.waiting[taskID]++
		task.Status = TaskPending
	}
	return nil
}

// pathLocked returns the chain of dependents edges leading from `from` to
// `to`, or nil when `to` is unreachable. A non-nil result means `to` already
// depends on `from`, so adding from -> depends on -> to would close a cycle.
func (g *Graph) pathLocked(from, to string) []string {
	if _, exists := g.tasks[from]; !exists {
		return nil
	}
	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var path []string
			for n := to; n != ""; n = parent[n] {
				path = append(path, n)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}
		for _, next := range g.dependents[cur] {
			if _, seen := parent[next]; !seen {
				parent[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil
}

// Ready returns tasks in TaskReady whose retry backoff has elapsed at now,
// ordered by (Priority, Seq): lower priority values first, FIFO among equals.
func (g *Graph) Ready(now time.Time) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ready := []*Task{}
	for _, task := range g.tasks {
		if task.Status != TaskReady {
			continue
		}
		if !task.NotBefore.IsZero() && task.NotBefore.After(now) {
			continue
		}
		ready = append(ready, g.cloneLocked(task))
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].Seq < ready[j].Seq
	})
	return ready
}

// MarkRunning moves a Ready task to TaskRunning and counts the attempt.
func (g *Graph) MarkRunning(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.getLocked(taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskReady {
		return fmt.Errorf("%w: cannot start %q from %s", ErrInvalidTransition, taskID, task.Status)
	}

	task.Status = TaskRunning
	task.Attempts++
	task.NotBefore = time.Time{}
	if task.StartedAt.IsZero() {
		task.StartedAt = g.now()
	}
	return nil
}

// MarkCompleted sets a running task to TaskCompleted, stores its result and
// promotes every dependent whose dependencies are now all complete.
// The promoted task IDs are returned in submission order.
func (g *Graph) MarkCompleted(taskID string, result string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.getLocked(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskRunning {
		return nil, fmt.Errorf("%w: cannot complete %q from %s", ErrInvalidTransition, taskID, task.Status)
	}

	task.Status = TaskCompleted
	task.Result = result
	task.CompletedAt = g.now()

	var promoted []*Task
	for _, depID := range g.dependents[taskID] {
		dependent, ok := g.tasks[depID]
		if !ok {
			continue
		}
		g.waiting[depID]--
		if g.waiting[depID] == 0 && dependent.Status == TaskPending {
			dependent.Status = TaskReady
			promoted = append(promoted, dependent)
		}
	}
	sort.Slice(promoted, func(i, j int) bool { return promoted[i].Seq < promoted[j].Seq })

	ids := make([]string, len(promoted))
	for i, p := range promoted {
		ids[i] = p.ID
	}
	return ids, nil
}

// MarkFailed sets a non-terminal task to TaskFailed and stores the error.
// Dependents are not touched; call CascadeCancel to settle them.
func (g *Graph) MarkFailed(taskID string, err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, getErr := g.getLocked(taskID)
	if getErr != nil {
		return getErr
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %q is already %s", ErrInvalidTransition, taskID, task.Status)
	}

	task.Status = TaskFailed
	task.Err = err
	task.CompletedAt = g.now()
	return nil
}

// MarkCancelled sets a non-terminal task to TaskCancelled. A nil err is
// recorded as ErrCancelled.
func (g *Graph) MarkCancelled(taskID string, err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, getErr := g.getLocked(taskID)
	if getErr != nil {
		return getErr
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %q is already %s", ErrInvalidTransition, taskID, task.Status)
	}
	if err == nil {
		err = ErrCancelled
	}

	task.Status = TaskCancelled
	task.Err = err
	task.CompletedAt = g.now()
	return nil
}

// Requeue returns a running task to TaskReady for another attempt.
// The task is not eligible again before notBefore.
func (g *Graph) Requeue(taskID string, notBefore time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.getLocked(taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskRunning {
		return fmt.Errorf("%w: cannot retry %q from %s", ErrInvalidTransition, taskID, task.Status)
	}

	task.Status = TaskReady
	task.RetryCount++
	task.NotBefore = notBefore
	return nil
}

// CascadeCancel cancels every transitive dependent of a failed or cancelled
// task that has not started yet. Each one records a *BlockedError naming its
// direct blocking dependency and the root of the cascade. Running dependents
// are left alone. The cancelled IDs are returned in breadth-first order.
func (g *Graph) CascadeCancel(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	root, exists := g.tasks[taskID]
	if !exists || (root.Status != TaskFailed && root.Status != TaskCancelled) {
		return nil
	}

	var cancelled []string
	queue := []string{taskID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		parent := g.tasks[cur]

		for _, depID := range g.dependents[cur] {
			dependent, ok := g.tasks[depID]
			if !ok || dependent.Status.Terminal() || dependent.Status == TaskRunning {
				continue
			}
			dependent.Status = TaskCancelled
			dependent.Err = blockedErr(depID, parent)
			dependent.CompletedAt = g.now()
			cancelled = append(cancelled, depID)
			queue = append(queue, depID)
		}
	}
	return cancelled
}

// blockedErr builds the cascade error for taskID blocked by parent. The root
// is inherited when parent was itself blocked.
func blockedErr(taskID string, parent *Task) *BlockedError {
	be := &BlockedError{
		TaskID:     taskID,
		Dependency: parent.ID,
		Root:       parent.ID,
		Cause:      parent.Err,
	}
	if upstream, ok := parent.Err.(*BlockedError); ok {
		be.Root = upstream.Root
		be.Cause = upstream.Cause
	}
	return be
}

// Evict removes terminal tasks that finished at least retention ago and whose
// dependents are all terminal. Returns the evicted IDs.
func (g *Graph) Evict(now time.Time, retention time.Duration) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var evicted []string
	for id, task := range g.tasks {
		if !task.Status.Terminal() || now.Sub(task.CompletedAt) < retention {
			continue
		}
		settled := true
		for _, depID := range g.dependents[id] {
			if dependent, ok := g.tasks[depID]; ok && !dependent.Status.Terminal() {
				settled = false
				break
			}
		}
		if settled {
			evicted = append(evicted, id)
		}
	}

	for _, id := range evicted {
		for _, depID := range g.tasks[id].Dependencies {
			g.dependents[depID] = remove(g.dependents[depID], id)
		}
		delete(g.tasks, id)
		delete(g.dependents, id)
		delete(g.waiting, id)
	}
	sort.Strings(evicted)
	return evicted
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs or error if cycle detected.
// Also verifies all task IDs in Dependencies exist in the graph.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var edges []toposort.Edge
	for _, taskID := range ids {
		task := g.tasks[taskID]
		if len(task.Dependencies) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.Dependencies {
			if _, exists := g.tasks[depID]; !exists {
				// Evicted dependencies are settled history, not a dangling edge.
				edges = append(edges, toposort.Edge{nil, taskID})
				continue
			}
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, err)
	}

	order := make([]string, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		s := id.(string)
		if !seen[s] {
			seen[s] = true
			order = append(order, s)
		}
	}

	if len(order) != len(g.tasks) {
		var missing []string
		for _, id := range ids {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}

// Get returns a copy of the task by ID.
func (g *Graph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return g.cloneLocked(task), true
}

// Tasks returns copies of all tasks in submission order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		tasks = append(tasks, g.cloneLocked(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks
}

// Snapshot returns a deep copy of every task keyed by ID.
func (g *Graph) Snapshot() map[string]Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := make(map[string]Task, len(g.tasks))
	for id, task := range g.tasks {
		snap[id] = *g.cloneLocked(task)
	}
	return snap
}

// Counts returns the number of tasks in each status.
func (g *Graph) Counts() map[TaskStatus]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[TaskStatus]int)
	for _, task := range g.tasks {
		counts[task.Status]++
	}
	return counts
}

// Len returns the number of live tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

func (g *Graph) getLocked(taskID string) (*Task, error) {
	task, exists := g.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	return task, nil
}

func (g *Graph) cloneLocked(task *Task) *Task {
	cp := cloneTask(task)
	if deps := g.dependents[task.ID]; len(deps) > 0 {
		cp.Dependents = append([]string(nil), deps...)
	}
	return cp
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
