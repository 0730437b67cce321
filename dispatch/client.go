// Package dispatch carries survey jobs from API processes to worker processes
// over an asynq queue in Redis.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/surveyx/stages"
)

const (
	// TypeSurveyRun is the asynq task type of one survey job.
	TypeSurveyRun = "survey:run"
	DefaultQueue  = "surveys"
	// DefaultHandoffTimeout bounds how long a worker may wait for room in
	// its local pipeline before the delivery is retried.
	DefaultHandoffTimeout = 10 * time.Minute
)

// Client enqueues jobs. It satisfies engine.Injector.
type Client struct {
	client  *asynq.Client
	queue   string
	retries int
	timeout time.Duration
}

type ClientOptions struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, opts ClientOptions) *Client {
	q := opts.Queue
	if q == "" {
		q = DefaultQueue
	}
	retries := opts.MaxRetry
	if retries <= 0 {
		retries = 3
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHandoffTimeout
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   q,
		retries: retries,
		timeout: timeout,
	}
}

// NewTask encodes job as an asynq task.
func NewTask(job *stages.Job) (*asynq.Task, error) {
	payload, err := job.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return asynq.NewTask(TypeSurveyRun, payload), nil
}

// Inject enqueues job under its task id, so a repeated enqueue of the same
// task is a no-op.
func (c *Client) Inject(ctx context.Context, job *stages.Job) error {
	if c.client == nil {
		return fmt.Errorf("nil asynq client")
	}
	t, err := NewTask(job)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, t,
		asynq.TaskID(job.TaskID),
		asynq.Queue(c.queue),
		asynq.MaxRetry(c.retries),
		asynq.Timeout(c.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
