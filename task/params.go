package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// DefaultIdentifier labels tasks submitted without a topic.
const DefaultIdentifier = "unnamed_survey"

// DefaultTopN is the number of crawled documents kept per topic.
const DefaultTopN = 100

// Params is the caller-supplied submission payload. It is immutable once the
// record is created.
type Params struct {
	Topic       string `json:"topic,omitempty"`
	Description string `json:"description,omitempty"`
	InputFile   string `json:"input_file,omitempty"`
	OutputFile  string `json:"output_file,omitempty"`
	SearchModel string `json:"search_model,omitempty"`
	TopN        int    `json:"top_n,omitempty"`
	BlockCount  int    `json:"block_count,omitempty"`
	DataNum     int    `json:"data_num,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// Validate enforces that exactly one of topic or input file is given.
func (p Params) Validate() error {
	hasTopic := strings.TrimSpace(p.Topic) != ""
	hasInput := strings.TrimSpace(p.InputFile) != ""
	switch {
	case hasTopic && hasInput:
		return &ValidationError{Field: "topic", Reason: "topic and input_file are mutually exclusive"}
	case !hasTopic && !hasInput:
		return &ValidationError{Field: "topic", Reason: "one of topic or input_file is required"}
	}
	if p.TopN < 0 {
		return &ValidationError{Field: "top_n", Reason: "must not be negative"}
	}
	if p.DataNum < 0 {
		return &ValidationError{Field: "data_num", Reason: "must not be negative"}
	}
	return nil
}

// Identifier is the display label for the task.
func (p Params) Identifier() string {
	if t := strings.TrimSpace(p.Topic); t != "" {
		return t
	}
	return DefaultIdentifier
}

// EffectiveTopN returns TopN or its default.
func (p Params) EffectiveTopN() int {
	if p.TopN > 0 {
		return p.TopN
	}
	return DefaultTopN
}

// ParamsFromMap decodes a loosely typed submission body. Numeric fields are
// accepted as numbers or numeric strings.
func ParamsFromMap(m map[string]any) (Params, error) {
	var p Params
	var err error
	str := func(key string) string {
		if err != nil {
			return ""
		}
		v, ok := m[key]
		if !ok || v == nil {
			return ""
		}
		s, cerr := cast.ToStringE(v)
		if cerr != nil {
			err = &ValidationError{Field: key, Reason: cerr.Error()}
		}
		return s
	}
	num := func(key string) int {
		if err != nil {
			return 0
		}
		v, ok := m[key]
		if !ok || v == nil || v == "" {
			return 0
		}
		n, cerr := cast.ToIntE(v)
		if cerr != nil {
			err = &ValidationError{Field: key, Reason: fmt.Sprintf("not an integer: %v", v)}
		}
		return n
	}

	p.Topic = strings.TrimSpace(str("topic"))
	p.Description = str("description")
	p.InputFile = strings.TrimSpace(str("input_file"))
	p.OutputFile = str("output_file")
	p.SearchModel = str("search_model")
	p.UserID = str("user_id")
	p.TopN = num("top_n")
	p.BlockCount = num("block_count")
	p.DataNum = num("data_num")
	if err != nil {
		return Params{}, err
	}
	return p, nil
}

func (p Params) marshal() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalParams(s string) (Params, error) {
	var p Params
	if s == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(s), &p)
	return p, err
}

// MarkerTimeLayout formats the creation timestamp inside a unique marker.
const MarkerTimeLayout = "20060102_150405"

// UniqueMarker derives the correlation key for a task:
// identifier, task id and creation time joined by underscores.
// Uniqueness comes from the task id.
func UniqueMarker(identifier, taskID string, createdAt time.Time) string {
	return identifier + "_" + taskID + "_" + createdAt.UTC().Format(MarkerTimeLayout)
}
