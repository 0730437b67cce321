// Package stages implements the survey generation pipeline on top of
// package pipeline: prepare, query, search, crawl, digest, write and save.
package stages

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mohans/surveyx/crawl"
	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/task"
)

// Digest is the condensed form of one source document.
type Digest struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Summary string `json:"summary"`
}

// Job is the payload carried by a pipeline item. It is JSON-serializable so
// it can cross process boundaries through the dispatch queue.
type Job struct {
	TaskID      string `json:"task_id"`
	Marker      string `json:"marker"`
	Topic       string `json:"topic,omitempty"`
	Description string `json:"description,omitempty"`
	// InputFile is the marker-tagged copy of the caller's input, if any.
	InputFile  string `json:"input_file,omitempty"`
	Model      string `json:"model,omitempty"`
	TopN       int    `json:"top_n,omitempty"`
	BlockCount int    `json:"block_count,omitempty"`
	DataNum    int    `json:"data_num,omitempty"`

	Queries   []string         `json:"queries,omitempty"`
	URLs      []string         `json:"urls,omitempty"`
	Documents []crawl.Document `json:"documents,omitempty"`
	Digests   []Digest         `json:"digests,omitempty"`
	Survey    string           `json:"survey,omitempty"`
}

// NewJob builds the entry payload for a freshly created record.
func NewJob(rec *task.TaskRecord) *Job {
	p := rec.Params
	return &Job{
		TaskID:      rec.ID,
		Marker:      rec.UniqueMarker,
		Topic:       p.Topic,
		Description: p.Description,
		InputFile:   rec.InputRef,
		Model:       p.SearchModel,
		TopN:        p.EffectiveTopN(),
		BlockCount:  p.BlockCount,
		DataNum:     p.DataNum,
	}
}

// Item wraps the job for submission.
func (j *Job) Item() *pipeline.Item {
	return &pipeline.Item{TaskID: j.TaskID, Marker: j.Marker, Payload: j}
}

func (j *Job) Encode() ([]byte, error) { return json.Marshal(j) }

// DecodeJob parses an encoded job and checks its identity fields.
func DecodeJob(b []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.TaskID == "" || j.Marker == "" {
		return nil, errors.New("decode job: task_id and marker are required")
	}
	return &j, nil
}

// JobOf extracts the job from an item.
func JobOf(item *pipeline.Item) (*Job, error) {
	j, ok := item.Payload.(*Job)
	if !ok || j == nil {
		return nil, fmt.Errorf("item for task %s carries %T, want *stages.Job", item.TaskID, item.Payload)
	}
	return j, nil
}

// HasDocuments routes jobs whose sources are already known past the web
// stages.
func HasDocuments(item *pipeline.Item) bool {
	j, err := JobOf(item)
	return err == nil && len(j.Documents) > 0
}
