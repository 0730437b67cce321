package task

import (
	"fmt"
	"time"
)

// Status represents a survey task's position in its lifecycle.
// Kept as string for readability in SQL rows and Redis hashes.
type Status string

const (
	StatusPending      Status = "pending"
	StatusPreparing    Status = "preparing"
	StatusSearching    Status = "searching"
	StatusSearchingWeb Status = "searching_web"
	StatusCrawling     Status = "crawling"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
)

// progress orders the non-terminal states. A task only moves forward.
var progress = map[Status]int{
	StatusPending:      0,
	StatusPreparing:    1,
	StatusSearching:    2,
	StatusSearchingWeb: 3,
	StatusCrawling:     4,
	StatusProcessing:   5,
}

var allStatuses = []Status{
	StatusPending, StatusPreparing, StatusSearching, StatusSearchingWeb,
	StatusCrawling, StatusProcessing, StatusCompleted, StatusFailed, StatusTimeout,
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ActiveStatuses returns the non-terminal statuses.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusPreparing, StatusSearching, StatusSearchingWeb, StatusCrawling, StatusProcessing}
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	_, ok := progress[s]
	return ok
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsActive reports whether the task is still in flight.
func (s Status) IsActive() bool {
	_, ok := progress[s]
	return ok
}

// CanTransition reports whether a record in state from may move to state to.
//
// Non-terminal states advance monotonically (stages may be skipped, e.g. a
// file-input task goes straight from preparing to processing) and re-entering
// the current state is allowed. Nothing returns to pending once it has left.
// Any non-terminal state may move to any terminal state.
func CanTransition(from, to Status) bool {
	if !from.IsActive() || !to.Valid() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	if to == StatusPending {
		return from == StatusPending
	}
	return progress[to] >= progress[from]
}

// AllowedFrom lists the states from which a transition to `to` is permitted.
// Stores use it to guard updates atomically.
func AllowedFrom(to Status) []Status {
	var out []Status
	for _, from := range allStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Field names a mutable TaskRecord attribute for Store.UpdateField.
type Field string

const (
	FieldResult        Field = "result"
	FieldOutputLocator Field = "output_locator"
	FieldInputRef      Field = "input_ref"
)

// Mutable reports whether UpdateField may write f. Identity fields (id,
// params, original identifier, unique marker) and lifecycle fields managed by
// UpdateStatus are not mutable.
func (f Field) Mutable() bool {
	switch f {
	case FieldResult, FieldOutputLocator, FieldInputRef:
		return true
	default:
		return false
	}
}

// TaskRecord is the persisted representation of a survey task.
type TaskRecord struct {
	ID                 string
	Status             Status
	Params             Params
	OriginalIdentifier string // caller label, usually the topic
	UniqueMarker       string // correlation key embedded in the task's output record
	OutputLocator      string // where the shared result sink lives
	InputRef           string // marker-tagged temp copy of the input, if any
	Error              *string
	Result             *string // extracted output payload once completed
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartTime          *time.Time
	EndTime            *time.Time
	ExpireAt           *time.Time
}

// ExecutionTime is the wall time between start and end, when both are known.
func (r *TaskRecord) ExecutionTime() (time.Duration, bool) {
	if r.StartTime == nil || r.EndTime == nil {
		return 0, false
	}
	return r.EndTime.Sub(*r.StartTime), true
}

// ErrorMessage returns the recorded failure text, or "".
func (r *TaskRecord) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}
