// Package sink holds the shared, append-only result stream that every survey
// task writes into, and the extractor that finds one task's record in it by
// its unique marker.
package sink

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Extract when no record carries the marker.
var ErrNotFound = errors.New("result record not found")

// Sink accepts whole records. A record is written completely or not at all,
// even with concurrent writers.
type Sink interface {
	Append(ctx context.Context, record []byte) error
	// Locator describes where the stream lives, for clients and task records.
	Locator() string
}

// Reader walks complete records in append order. fn returns false to stop.
// Partially written trailing records are never passed to fn.
type Reader interface {
	Scan(ctx context.Context, fn func(record []byte) bool) error
}

// Stream is both ends of a result stream.
type Stream interface {
	Sink
	Reader
}
