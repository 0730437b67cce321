package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/task"
)

// TaskView is the external representation of a task record.
type TaskView struct {
	ID                 string      `json:"task_id"`
	Status             task.Status `json:"status"`
	OriginalIdentifier string      `json:"original_identifier"`
	UniqueMarker       string      `json:"unique_marker"`
	OutputLocator      string      `json:"output_locator,omitempty"`
	Params             task.Params `json:"params"`
	Error              string      `json:"error,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	StartTime          *time.Time  `json:"start_time,omitempty"`
	EndTime            *time.Time  `json:"end_time,omitempty"`
	ExpireAt           *time.Time  `json:"expire_at,omitempty"`
	ExecutionSeconds   *float64    `json:"execution_seconds,omitempty"`
}

func NewTaskView(rec *task.TaskRecord) TaskView {
	v := TaskView{
		ID:                 rec.ID,
		Status:             rec.Status,
		OriginalIdentifier: rec.OriginalIdentifier,
		UniqueMarker:       rec.UniqueMarker,
		OutputLocator:      rec.OutputLocator,
		Params:             rec.Params,
		Error:              rec.ErrorMessage(),
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
		StartTime:          rec.StartTime,
		EndTime:            rec.EndTime,
		ExpireAt:           rec.ExpireAt,
	}
	if d, ok := rec.ExecutionTime(); ok {
		secs := d.Seconds()
		v.ExecutionSeconds = &secs
	}
	return v
}

// PipelineSource is the live pipeline view. A process that does not run the
// pipeline (api role) reports without one.
type PipelineSource interface {
	Stats() pipeline.Stats
	Position(taskID string) (string, bool)
}

// GlobalStatus is the process-wide health view.
type GlobalStatus struct {
	Initialized bool                  `json:"initialized"`
	Running     bool                  `json:"running"`
	ActiveTasks int                   `json:"active_tasks"`
	TotalTasks  int                   `json:"total_tasks"`
	Monitors    int                   `json:"monitors"`
	Stages      []pipeline.StageStats `json:"stages"`
}

// TaskStatus joins a record with the stage currently holding its item.
type TaskStatus struct {
	Task       TaskView `json:"task"`
	Stage      string   `json:"stage,omitempty"`
	InPipeline bool     `json:"in_pipeline"`
}

// Reporter answers read-only status queries. It has no side effects.
type Reporter struct {
	store      task.Store
	pipeline   PipelineSource
	controller *Controller
	log        *slog.Logger
}

func NewReporter(store task.Store, src PipelineSource, c *Controller, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{store: store, pipeline: src, controller: c, log: log}
}

func (r *Reporter) Global(ctx context.Context) (GlobalStatus, error) {
	var gs GlobalStatus
	active, err := r.store.Count(ctx, task.ActiveStatuses()...)
	if err != nil {
		return gs, err
	}
	total, err := r.store.Count(ctx)
	if err != nil {
		return gs, err
	}
	gs.ActiveTasks = active
	gs.TotalTasks = total
	if r.controller != nil {
		gs.Monitors = r.controller.Monitors()
	}
	if r.pipeline != nil {
		st := r.pipeline.Stats()
		gs.Initialized = true
		gs.Running = st.Running
		gs.Stages = st.Stages
	}
	return gs, nil
}

func (r *Reporter) Task(ctx context.Context, id string) (TaskStatus, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return TaskStatus{}, err
	}
	ts := TaskStatus{Task: NewTaskView(rec)}
	if r.pipeline != nil && rec.Status.IsActive() {
		ts.Stage, ts.InPipeline = r.pipeline.Position(id)
	}
	return ts, nil
}

// Run logs the global status every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		gs, err := r.Global(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn("status report failed", "error", err)
			}
			continue
		}
		r.log.Info("pipeline status",
			"running", gs.Running,
			"active", humanize.Comma(int64(gs.ActiveTasks)),
			"total", humanize.Comma(int64(gs.TotalTasks)),
			"monitors", gs.Monitors)
		for _, s := range gs.Stages {
			r.log.Info("stage status",
				"stage", s.Name,
				"queue", s.QueueSize,
				"capacity", s.QueueCapacity,
				"busy", s.Busy,
				"workers", s.Workers,
				"processed", humanize.Comma(s.Processed),
				"failed", s.Failed)
		}
	}
}
