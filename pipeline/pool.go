package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mohans/surveyx/task"
)

const (
	DefaultWorkers       = 1
	DefaultQueueCapacity = 100
)

// StageConfig declares one stage of a Graph.
type StageConfig struct {
	Name string
	// Status is written to the task record when an item enters the stage.
	// Empty leaves the record untouched.
	Status        task.Status
	Workers       int
	QueueCapacity int
	Processor     Processor
}

// Pool drains one bounded queue with a fixed number of workers.
type Pool struct {
	cfg   StageConfig
	queue chan *Item

	busy      atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	wg sync.WaitGroup

	// upstream counts producers still able to send into queue; the queue is
	// closed when it reaches zero.
	upstream  atomic.Int32
	closeOnce sync.Once
}

func newPool(cfg StageConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	return &Pool{cfg: cfg}
}

func (p *Pool) Name() string { return p.cfg.Name }

func (p *Pool) start(ctx context.Context, handle func(context.Context, *Pool, *Item)) {
	p.queue = make(chan *Item, p.cfg.QueueCapacity)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for item := range p.queue {
				p.busy.Add(1)
				handle(ctx, p, item)
				p.busy.Add(-1)
			}
		}()
	}
}

// producerDone releases one upstream reference and closes the queue after
// the last one.
func (p *Pool) producerDone() {
	if p.upstream.Add(-1) <= 0 {
		p.closeOnce.Do(func() { close(p.queue) })
	}
}

// run invokes the processor, converting panics into errors.
func (p *Pool) run(ctx context.Context, item *Item, log *slog.Logger) (next *Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("stage processor panicked", "stage", p.cfg.Name, "task_id", item.TaskID, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.cfg.Processor.Process(ctx, item)
}

// StageStats is a point-in-time view of one pool.
type StageStats struct {
	Name          string      `json:"name"`
	Status        task.Status `json:"status,omitempty"`
	Workers       int         `json:"workers"`
	Busy          int         `json:"executing"`
	QueueSize     int         `json:"queue_size"`
	QueueCapacity int         `json:"queue_capacity"`
	Processed     int64       `json:"processed"`
	Failed        int64       `json:"failed"`
}

func (p *Pool) stats() StageStats {
	st := StageStats{
		Name:          p.cfg.Name,
		Status:        p.cfg.Status,
		Workers:       p.cfg.Workers,
		Busy:          int(p.busy.Load()),
		QueueCapacity: p.cfg.QueueCapacity,
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
	}
	if p.queue != nil {
		st.QueueSize = len(p.queue)
	}
	return st
}
