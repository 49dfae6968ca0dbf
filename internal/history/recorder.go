package history

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/taskgraph/internal/events"
)

// Recorder writes a Record for every terminal task event on the bus.
type Recorder struct {
	store Store
	bus   *events.EventBus
	sub   <-chan events.Event
	log   logrus.FieldLogger

	deps map[string][]string // Dependencies seen at submission, until the task settles
}

// NewRecorder subscribes to task events immediately, so nothing published
// after it returns is missed.
func NewRecorder(store Store, bus *events.EventBus, log logrus.FieldLogger) *Recorder {
	return &Recorder{
		store: store,
		bus:   bus,
		sub:   bus.Subscribe(events.TopicTask, 1024),
		log:   log,
		deps:  make(map[string][]string),
	}
}

// Run consumes events until ctx is done or the bus is closed. Buffered events
// are still written after the bus closes. Write errors are logged and skipped.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.bus.Unsubscribe(r.sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.sub:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev events.Event) {
	var rec Record
	switch e := ev.(type) {
	case events.TaskSubmittedEvent:
		if len(e.Dependencies) > 0 {
			r.deps[e.ID] = e.Dependencies
		}
		return
	case events.TaskCompletedEvent:
		rec = newRecord(e.TaskInfo, "completed", e.Timestamp)
		rec.Result = e.Result
		rec.Duration = e.Duration
	case events.TaskFailedEvent:
		rec = newRecord(e.TaskInfo, "failed", e.Timestamp)
		rec.Error = errString(e.Err)
		rec.Duration = e.Duration
	case events.TaskCancelledEvent:
		rec = newRecord(e.TaskInfo, "cancelled", e.Timestamp)
		rec.Error = errString(e.Err)
	default:
		return
	}

	rec.Dependencies = r.deps[rec.TaskID]
	delete(r.deps, rec.TaskID)

	if err := r.store.Record(ctx, rec); err != nil {
		r.log.WithError(err).WithField("task_id", rec.TaskID).Error("failed to record task history")
	}
}

func newRecord(info events.TaskInfo, status string, at time.Time) Record {
	return Record{
		TaskID:     info.ID,
		Name:       info.Name,
		Kind:       info.Kind,
		Agent:      info.Agent,
		Status:     status,
		Attempts:   info.Attempts,
		CreatedAt:  info.CreatedAt,
		StartedAt:  info.StartedAt,
		FinishedAt: at,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
