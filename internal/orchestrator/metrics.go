package orchestrator

import (
	"time"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/resource"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// MetricsSnapshot is a point-in-time view of the orchestrator. Counts of
// finished tasks include tasks already evicted from the graph.
type MetricsSnapshot struct {
	Total            int
	Pending          int
	Ready            int
	Queued           int // Pending + Ready
	Running          int
	Completed        int
	Failed           int
	Cancelled        int
	ConcurrencyLimit int
	Multiplier       float64
	Agents           []resource.Usage
	UpdatedAt        time.Time
}

// Metrics returns the latest snapshot. It never blocks on the scheduling loop.
func (o *Orchestrator) Metrics() MetricsSnapshot {
	if snap := o.metrics.Load(); snap != nil {
		return *snap
	}
	return MetricsSnapshot{}
}

// publishMetrics rebuilds the snapshot and emits a progress event when the
// counts moved. Runs on the scheduling goroutine.
func (o *Orchestrator) publishMetrics() {
	counts := o.graph.Counts()
	snap := &MetricsSnapshot{
		Pending:          counts[scheduler.TaskPending],
		Ready:            counts[scheduler.TaskReady],
		Running:          counts[scheduler.TaskRunning],
		Completed:        counts[scheduler.TaskCompleted] + o.evicted[scheduler.TaskCompleted],
		Failed:           counts[scheduler.TaskFailed] + o.evicted[scheduler.TaskFailed],
		Cancelled:        counts[scheduler.TaskCancelled] + o.evicted[scheduler.TaskCancelled],
		ConcurrencyLimit: o.adaptive.Limit(),
		Multiplier:       o.adaptive.Multiplier(),
		Agents:           o.resources.Usage(),
		UpdatedAt:        time.Now(),
	}
	snap.Queued = snap.Pending + snap.Ready
	snap.Total = snap.Queued + snap.Running + snap.Completed + snap.Failed + snap.Cancelled
	o.metrics.Store(snap)

	progress := events.ProgressEvent{
		Total:     snap.Total,
		Pending:   snap.Pending,
		Ready:     snap.Ready,
		Running:   snap.Running,
		Completed: snap.Completed,
		Failed:    snap.Failed,
		Cancelled: snap.Cancelled,
		Limit:     snap.ConcurrencyLimit,
	}
	if progress == o.lastProgress {
		return
	}
	o.lastProgress = progress
	progress.Timestamp = snap.UpdatedAt
	o.publish(events.TopicGraph, progress)
}
