package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMarkerField is the record field that carries a task's unique marker.
const DefaultMarkerField = "title"

const defaultCacheSize = 256

// Extractor finds a task's record in a shared stream by comparing the marker
// field of each record with the task's unique marker. Size or offset of the
// stream is never consulted.
type Extractor struct {
	r     Reader
	field string
	cache *lru.Cache[string, []byte]
}

type ExtractorOption func(*Extractor)

// WithMarkerField changes the record field compared against the marker.
func WithMarkerField(field string) ExtractorOption {
	return func(e *Extractor) {
		if field != "" {
			e.field = field
		}
	}
}

// WithCacheSize bounds the number of found payloads kept in memory.
func WithCacheSize(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.cache, _ = lru.New[string, []byte](n)
		}
	}
}

func NewExtractor(r Reader, opts ...ExtractorOption) *Extractor {
	e := &Extractor{r: r, field: DefaultMarkerField}
	e.cache, _ = lru.New[string, []byte](defaultCacheSize)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exists reports whether a record tagged with marker is in the stream.
func (e *Extractor) Exists(ctx context.Context, marker string) (bool, error) {
	_, err := e.Extract(ctx, marker)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// Extract returns the first complete record whose marker field equals marker.
func (e *Extractor) Extract(ctx context.Context, marker string) ([]byte, error) {
	if marker == "" {
		return nil, ErrNotFound
	}
	if v, ok := e.cache.Get(marker); ok {
		return v, nil
	}
	// every record is decoded: writers may escape the marker (R\u0026D)
	var found []byte
	err := e.r.Scan(ctx, func(rec []byte) bool {
		if e.matches(rec, marker) {
			found = bytes.Clone(rec)
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", marker, err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	e.cache.Add(marker, found)
	return found, nil
}

// Forget drops a cached payload, e.g. after its task was deleted.
func (e *Extractor) Forget(marker string) {
	e.cache.Remove(marker)
}

func (e *Extractor) matches(rec []byte, marker string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec, &fields); err != nil {
		return false
	}
	raw, ok := fields[e.field]
	if !ok {
		return false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v == marker
}
