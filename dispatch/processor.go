package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/stages"
	"github.com/mohans/surveyx/task"
)

// Submitter accepts jobs into the local pipeline.
type Submitter interface {
	Submit(ctx context.Context, item *pipeline.Item) error
}

// Processor pulls jobs off the queue and feeds them to the local pipeline.
// Deliveries that can never succeed mark the task FAILED.
type Processor struct {
	server *asynq.Server
	store  task.Store
	graph  Submitter
	log    *slog.Logger
}

type ProcessorConfig struct {
	Concurrency     int
	Queues          map[string]int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

func NewProcessor(redisOpt asynq.RedisClientOpt, store task.Store, graph Submitter, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{DefaultQueue: 1}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     con,
		Queues:          qs,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          asynqLogger{log.With("component", "asynq")},
		LogLevel:        asynq.WarnLevel,
	})
	return &Processor{server: server, store: store, graph: graph, log: log}
}

// handleSurvey hands one delivery to the pipeline. A job whose record is gone
// or finished is acknowledged and dropped.
func (p *Processor) handleSurvey(ctx context.Context, t *asynq.Task) error {
	job, err := stages.DecodeJob(t.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	rec, err := p.store.Get(ctx, job.TaskID)
	switch {
	case errors.Is(err, task.ErrNotFound):
		p.log.Info("dropping job for deleted task", "task_id", job.TaskID)
		return nil
	case err != nil:
		return err
	case rec.Status.IsTerminal():
		p.log.Info("dropping job for finished task", "task_id", job.TaskID, "status", rec.Status)
		return nil
	}
	if err := p.graph.Submit(ctx, job.Item()); err != nil {
		return fmt.Errorf("submit to pipeline: %w", err)
	}
	p.log.Debug("job accepted", "task_id", job.TaskID)
	return nil
}

// lifecycleMiddleware marks the task FAILED once asynq gives up on it.
func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		err := next.ProcessTask(ctx, t)
		if err == nil || p.store == nil {
			return err
		}
		id, ok := asynq.GetTaskID(ctx)
		if !ok {
			return err
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if !errors.Is(err, asynq.SkipRetry) && retried < maxRetry {
			p.log.Warn("job delivery failed, will retry", "task_id", id, "retry", retried, "error", err)
			return err
		}
		uerr := p.store.UpdateStatus(context.WithoutCancel(ctx), id, task.StatusFailed, "dispatch: "+err.Error())
		if uerr != nil && !errors.Is(uerr, task.ErrNotFound) && !errors.Is(uerr, task.ErrTerminal) {
			p.log.Error("could not mark task failed", "task_id", id, "error", uerr)
		}
		return err
	})
}

// Handler is the full handler stack, exposed for tests.
func (p *Processor) Handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSurveyRun, p.handleSurvey)
	return p.lifecycleMiddleware(mux)
}

// Start begins consuming in the background.
func (p *Processor) Start() error {
	return p.server.Start(p.Handler())
}

func (p *Processor) Shutdown() { p.server.Shutdown() }

// asynqLogger routes asynq's logs through slog.
type asynqLogger struct{ log *slog.Logger }

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.log.Error(fmt.Sprint(args...)) }
