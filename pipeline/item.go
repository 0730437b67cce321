package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohans/surveyx/task"
)

var (
	// ErrStopped is returned by Submit once Stop has begun or before Start.
	ErrStopped = errors.New("pipeline is not running")
	// ErrQueueFull is a retryable rejection: the entry queue stayed full for
	// the whole submit timeout.
	ErrQueueFull = errors.New("pipeline entry queue is full")
)

// Item is one task's unit of work. It is owned by exactly one stage at a time.
type Item struct {
	TaskID     string
	Marker     string
	Payload    any
	EnqueuedAt time.Time
}

// Processor transforms an item for one stage. Returning a nil item with a nil
// error consumes the item (it has reached its sink).
type Processor interface {
	Process(ctx context.Context, item *Item) (*Item, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item *Item) (*Item, error)

func (f ProcessorFunc) Process(ctx context.Context, item *Item) (*Item, error) { return f(ctx, item) }

// Tracker observes items as they move. Implementations must be safe for
// concurrent use.
type Tracker interface {
	// StageEntered is called before a stage processes item. Returning false
	// drops the item, e.g. when its task was deleted or already finished.
	StageEntered(ctx context.Context, item *Item, stage string, status task.Status) bool
	// ItemFailed is called once when an item is dropped because of err.
	ItemFailed(ctx context.Context, item *Item, err error)
}

// StageError is the terminal failure of one item in one stage.
type StageError struct {
	Stage  string
	TaskID string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for task %s: %v", e.Stage, e.TaskID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
