package engine

import (
	"context"
	"errors"
	"time"

	"github.com/mohans/surveyx/events"
	"github.com/mohans/surveyx/sink"
	"github.com/mohans/surveyx/task"
)

// startMonitor registers and launches the monitor for id. It returns false if
// one is already running or the controller is shutting down.
func (c *Controller) startMonitor(id, marker string, deadline time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx.Err() != nil {
		return false
	}
	if _, running := c.monitors[id]; running {
		return false
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.monitors[id] = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		rec := c.monitor(ctx, id, marker, deadline)
		if c.claim(id) && rec != nil {
			c.finished(rec)
		}
	}()
	return true
}

// claim removes id from the registry and cancels its monitor. Only the
// caller that gets true runs the terminal side effects.
func (c *Controller) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.monitors[id]
	if ok {
		cancel()
		delete(c.monitors, id)
	}
	return ok
}

// TaskFailed short-circuits the monitor of a task a stage just failed.
func (c *Controller) TaskFailed(ctx context.Context, id string) {
	if !c.claim(id) {
		return
	}
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		c.log.Warn("failed task vanished", "task_id", id, "error", err)
		return
	}
	c.finished(rec)
}

// monitor polls until the task finishes, times out, disappears or ctx ends.
// It returns the terminal record when this monitor observed the finish.
func (c *Controller) monitor(ctx context.Context, id, marker string, deadline time.Time) *task.TaskRecord {
	log := c.log.With("task_id", id)
	log.Debug("monitor started", "deadline", deadline)

	timer := time.NewTimer(deadline.Sub(c.now()))
	defer timer.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	expired := false
	for {
		select {
		case <-ctx.Done():
			log.Debug("monitor stopped")
			return nil
		case <-timer.C:
			expired = true
		case <-ticker.C:
		}
		if expired || !c.now().Before(deadline) {
			// a failed TIMEOUT write is retried on the next tick
			if rec, done := c.expire(ctx, id, marker); done {
				return rec
			}
			continue
		}
		if rec, done := c.poll(ctx, id, marker); done {
			return rec
		}
	}
}

// poll runs one monitor tick and reports whether monitoring is over.
func (c *Controller) poll(ctx context.Context, id, marker string) (*task.TaskRecord, bool) {
	rec, err := c.store.Get(ctx, id)
	switch {
	case errors.Is(err, task.ErrNotFound):
		return nil, true
	case err != nil:
		if ctx.Err() != nil {
			return nil, true
		}
		c.log.Warn("monitor could not read task", "task_id", id, "error", err)
		return nil, false
	case rec.Status.IsTerminal():
		// finished elsewhere, typically a stage failure
		return rec, true
	}

	payload, err := c.results.Extract(ctx, marker)
	switch {
	case errors.Is(err, sink.ErrNotFound):
		return nil, false
	case err != nil:
		if ctx.Err() == nil {
			c.log.Warn("monitor could not read results", "task_id", id, "error", err)
		}
		return nil, false
	}

	if err := c.store.UpdateField(ctx, id, task.FieldResult, string(payload)); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, true
		}
		c.log.Warn("could not persist result", "task_id", id, "error", err)
	}
	err = c.store.UpdateStatus(ctx, id, task.StatusCompleted, "")
	switch {
	case err == nil:
		if cur, gerr := c.store.Get(ctx, id); gerr == nil {
			return cur, true
		}
		rec.Status = task.StatusCompleted
		return rec, true
	case errors.Is(err, task.ErrTerminal):
		cur, gerr := c.store.Get(ctx, id)
		if gerr != nil {
			return nil, true
		}
		return cur, true
	case errors.Is(err, task.ErrNotFound):
		return nil, true
	default:
		c.log.Warn("could not mark task completed", "task_id", id, "error", err)
		return nil, false
	}
}

// expire moves the task to TIMEOUT unless something else finished it first.
// done is false when the store could not be written and the monitor must try
// again.
func (c *Controller) expire(ctx context.Context, id, marker string) (*task.TaskRecord, bool) {
	if ctx.Err() != nil {
		return nil, true
	}
	err := c.store.UpdateStatus(ctx, id, task.StatusTimeout, "")
	switch {
	case err == nil, errors.Is(err, task.ErrTerminal):
		if cur, gerr := c.store.Get(ctx, id); gerr == nil {
			return cur, true
		}
		if err == nil {
			return &task.TaskRecord{ID: id, Status: task.StatusTimeout, UniqueMarker: marker, CreatedAt: c.now()}, true
		}
		return nil, true
	case errors.Is(err, task.ErrNotFound):
		return nil, true
	default:
		if ctx.Err() != nil {
			return nil, true
		}
		c.log.Error("could not mark task timed out, retrying", "task_id", id, "error", err)
		return nil, false
	}
}

// finished runs the side effects of a terminal transition.
func (c *Controller) finished(rec *task.TaskRecord) {
	c.reaper.reapQuietly(rec.ID)
	elapsed := c.now().Sub(rec.CreatedAt)
	if d, ok := rec.ExecutionTime(); ok {
		elapsed = d
	}
	c.metrics.TaskFinished(rec.Status, elapsed)
	c.publish(events.Event{
		TaskID: rec.ID,
		Status: rec.Status,
		Marker: rec.UniqueMarker,
		Error:  rec.ErrorMessage(),
	})
	c.log.Info("task finished", "task_id", rec.ID, "status", rec.Status, "elapsed", elapsed.Round(time.Second))
}
