// Package engine drives survey tasks: it accepts submissions, injects them
// into the pipeline, watches the shared result sink for each task's marker
// and moves records to their terminal state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohans/surveyx/events"
	"github.com/mohans/surveyx/metrics"
	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/stages"
	"github.com/mohans/surveyx/task"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultTimeout      = 2 * time.Hour
)

var (
	// ErrNotReady is returned by Output before the task has completed.
	ErrNotReady = errors.New("task output not ready")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("controller is shut down")
)

// Injector hands a new job to whatever runs the pipeline: the local graph or
// a distributed queue.
type Injector interface {
	Inject(ctx context.Context, job *stages.Job) error
}

// GraphInjector submits jobs to an in-process graph.
type GraphInjector struct {
	Graph *pipeline.Graph
}

func (g GraphInjector) Inject(ctx context.Context, job *stages.Job) error {
	return g.Graph.Submit(ctx, job.Item())
}

// ResultFinder looks up a task's record in the shared sink.
type ResultFinder interface {
	Extract(ctx context.Context, marker string) ([]byte, error)
	Forget(marker string)
}

// Options configures a Controller.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// WorkDir holds marker-tagged copies of input files.
	WorkDir string
	// OutputLocator is reported to submitters as where results land.
	OutputLocator string
}

// Submission is returned to a caller whose task was accepted.
type Submission struct {
	TaskID        string `json:"task_id"`
	UniqueMarker  string `json:"unique_marker"`
	OutputLocator string `json:"output_locator"`
}

// Controller owns task submission and one monitor goroutine per in-flight
// task.
type Controller struct {
	store    task.Store
	injector Injector
	results  ResultFinder
	reaper   *Reaper
	events   events.Publisher
	metrics  *metrics.Metrics
	opts     Options
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	monitors map[string]context.CancelFunc
	wg       sync.WaitGroup
}

type ControllerOption func(*Controller)

func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func WithEvents(p events.Publisher) ControllerOption {
	return func(c *Controller) {
		if p != nil {
			c.events = p
		}
	}
}

func WithMetrics(m *metrics.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides time and id generation, for tests.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

func WithIDGenerator(fn func() string) ControllerOption {
	return func(c *Controller) { c.newID = fn }
}

func NewController(store task.Store, injector Injector, results ResultFinder, reaper *Reaper, opts Options, copts ...ControllerOption) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:      store,
		injector:   injector,
		results:    results,
		reaper:     reaper,
		events:     events.Nop{},
		opts:       opts,
		log:        slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
		baseCtx:    ctx,
		cancelBase: cancel,
		monitors:   make(map[string]context.CancelFunc),
	}
	for _, o := range copts {
		o(c)
	}
	if c.reaper == nil {
		c.reaper = NewReaper(opts.WorkDir, store, c.log)
	}
	return c
}

// Submit validates params, persists a pending record, injects the job and
// starts its monitor. Only validation and intake failures are returned;
// everything after intake is reported through the record.
func (c *Controller) Submit(ctx context.Context, params task.Params) (*Submission, error) {
	if c.baseCtx.Err() != nil {
		return nil, ErrClosed
	}
	if err := params.Validate(); err != nil {
		c.metrics.SubmitRejected("validation")
		return nil, err
	}
	id := c.newID()
	created := c.now().UTC()
	rec := task.TaskRecord{
		ID:                 id,
		Status:             task.StatusPending,
		Params:             params,
		OriginalIdentifier: params.Identifier(),
		UniqueMarker:       task.UniqueMarker(params.Identifier(), id, created),
		OutputLocator:      c.opts.OutputLocator,
		CreatedAt:          created,
	}
	log := c.log.With("task_id", id, "marker", rec.UniqueMarker)

	if params.InputFile != "" {
		dst := TempInputPath(c.opts.WorkDir, params.InputFile, id)
		if err := TagInput(params.InputFile, dst, rec.UniqueMarker, id); err != nil {
			c.metrics.SubmitRejected("validation")
			c.reaper.reapQuietly(id)
			return nil, &task.ValidationError{Field: "input_file", Reason: err.Error()}
		}
		rec.InputRef = dst
	}

	if err := c.store.Create(ctx, rec); err != nil {
		c.reaper.reapQuietly(id)
		c.metrics.SubmitRejected("store")
		return nil, fmt.Errorf("create task: %w", err)
	}

	// PREPARING is written before injection so a fast first stage can never
	// be overtaken by this update.
	if err := c.store.UpdateStatus(ctx, id, task.StatusPreparing, ""); err != nil {
		log.Warn("could not mark task preparing", "error", err)
	}

	if err := c.injector.Inject(ctx, stages.NewJob(&rec)); err != nil {
		c.abandon(id)
		reason := "inject"
		if errors.Is(err, pipeline.ErrQueueFull) {
			reason = "queue_full"
		}
		c.metrics.SubmitRejected(reason)
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	c.startMonitor(id, rec.UniqueMarker, created.Add(c.opts.Timeout))
	c.metrics.TaskSubmitted()
	c.publish(events.Event{TaskID: id, Status: task.StatusPreparing, Marker: rec.UniqueMarker})
	log.Info("task submitted", "identifier", rec.OriginalIdentifier)

	return &Submission{TaskID: id, UniqueMarker: rec.UniqueMarker, OutputLocator: rec.OutputLocator}, nil
}

// abandon removes a record whose job never entered the pipeline.
func (c *Controller) abandon(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.Delete(ctx, id); err != nil && !errors.Is(err, task.ErrNotFound) {
		c.log.Warn("could not remove rejected task", "task_id", id, "error", err)
	}
	c.reaper.reapQuietly(id)
}

// Get returns the task record.
func (c *Controller) Get(ctx context.Context, id string) (*task.TaskRecord, error) {
	return c.store.Get(ctx, id)
}

// List returns records newest first.
func (c *Controller) List(ctx context.Context, status task.Status, limit int) ([]task.TaskRecord, error) {
	return c.store.List(ctx, status, limit)
}

// Delete stops the task's monitor and removes its record and temp files. An
// in-flight pipeline item is left to finish; its later output is ignored.
func (c *Controller) Delete(ctx context.Context, id string) error {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	c.claim(id)
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.results.Forget(rec.UniqueMarker)
	c.reaper.reapQuietly(id)
	c.log.Info("task deleted", "task_id", id, "status", rec.Status)
	return nil
}

// Output returns the completed task's result record.
func (c *Controller) Output(ctx context.Context, id string) ([]byte, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != task.StatusCompleted {
		return nil, fmt.Errorf("%w: task %s is %s", ErrNotReady, id, rec.Status)
	}
	if rec.Result != nil && *rec.Result != "" {
		return []byte(*rec.Result), nil
	}
	return c.results.Extract(ctx, rec.UniqueMarker)
}

// Recover restarts monitors for records left in flight by a previous
// process. Each keeps whatever remains of its timeout.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	n := 0
	for _, st := range task.ActiveStatuses() {
		recs, err := c.store.List(ctx, st, 10000)
		if err != nil {
			return n, err
		}
		for _, rec := range recs {
			start := rec.CreatedAt
			if rec.StartTime != nil {
				start = *rec.StartTime
			}
			if c.startMonitor(rec.ID, rec.UniqueMarker, start.Add(c.opts.Timeout)) {
				n++
			}
		}
	}
	if n > 0 {
		c.log.Info("resumed task monitors", "count", n)
	}
	return n, nil
}

// Monitors reports how many monitor goroutines are running.
func (c *Controller) Monitors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.monitors)
}

// Shutdown stops every monitor and waits for them to exit. Records stay in
// their current state so Recover can resume them.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancelBase()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) publish(ev events.Event) {
	if ev.At.IsZero() {
		ev.At = c.now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.Publish(ctx, ev); err != nil {
		c.log.Warn("publish event failed", "task_id", ev.TaskID, "status", ev.Status, "error", err)
	}
}
