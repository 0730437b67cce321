package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mohans/surveyx/events"
	"github.com/mohans/surveyx/metrics"
	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/task"
)

// StoreTracker records pipeline progress on task records. It is the only
// writer of stage statuses and of stage-reported FAILED.
type StoreTracker struct {
	store   task.Store
	events  events.Publisher
	metrics *metrics.Metrics
	log     *slog.Logger
	// OnFailed runs after a stage failure was recorded. The controller sets
	// it to short-circuit the task's monitor.
	OnFailed func(ctx context.Context, taskID string)
}

var _ pipeline.Tracker = (*StoreTracker)(nil)

func NewStoreTracker(store task.Store, pub events.Publisher, m *metrics.Metrics, log *slog.Logger) *StoreTracker {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &StoreTracker{store: store, events: pub, metrics: m, log: log}
}

// StageEntered moves the record to the stage's status. Items whose task was
// deleted or already finished are dropped. Store outages do not drop work;
// the monitor still settles the task.
func (t *StoreTracker) StageEntered(ctx context.Context, item *pipeline.Item, stage string, status task.Status) bool {
	log := t.log.With("task_id", item.TaskID, "stage", stage)
	if status == "" {
		rec, err := t.store.Get(ctx, item.TaskID)
		switch {
		case errors.Is(err, task.ErrNotFound):
			return false
		case err != nil:
			log.Warn("could not read task", "error", err)
			return true
		}
		return !rec.Status.IsTerminal()
	}

	err := t.store.UpdateStatus(ctx, item.TaskID, status, "")
	switch {
	case err == nil:
		t.publish(ctx, events.Event{TaskID: item.TaskID, Status: status, Marker: item.Marker, Stage: stage})
		return true
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrTerminal):
		log.Debug("task no longer active", "error", err)
		return false
	case errors.Is(err, task.ErrInvalidTransition):
		// a later status was already written, e.g. PREPARING after a skip
		return true
	default:
		log.Warn("could not record stage status", "status", status, "error", err)
		return true
	}
}

// ItemFailed marks the task FAILED with the stage error.
func (t *StoreTracker) ItemFailed(ctx context.Context, item *pipeline.Item, err error) {
	stage := ""
	var serr *pipeline.StageError
	if errors.As(err, &serr) {
		stage = serr.Stage
	}
	t.metrics.StageFailed(stage)

	uerr := t.store.UpdateStatus(ctx, item.TaskID, task.StatusFailed, err.Error())
	switch {
	case uerr == nil:
	case errors.Is(uerr, task.ErrNotFound), errors.Is(uerr, task.ErrTerminal):
		t.log.Debug("failure ignored for inactive task", "task_id", item.TaskID, "error", uerr)
		return
	default:
		t.log.Error("could not mark task failed", "task_id", item.TaskID, "stage", stage, "error", uerr)
		return
	}
	t.log.Warn("task failed", "task_id", item.TaskID, "stage", stage, "error", err)
	if t.OnFailed != nil {
		t.OnFailed(ctx, item.TaskID)
	}
}

func (t *StoreTracker) publish(ctx context.Context, ev events.Event) {
	ev.At = time.Now().UTC()
	if err := t.events.Publish(ctx, ev); err != nil {
		t.log.Warn("publish event failed", "task_id", ev.TaskID, "status", ev.Status, "error", err)
	}
}
