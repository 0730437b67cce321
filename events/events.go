// Package events publishes task lifecycle transitions for external
// consumers (dashboards, notifiers).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mohans/surveyx/task"
)

// DefaultSubjectPrefix is prepended to the status to form the NATS subject,
// e.g. surveyx.task.completed.
const DefaultSubjectPrefix = "surveyx.task"

// Event is one task status change.
type Event struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	Marker string      `json:"marker,omitempty"`
	Stage  string      `json:"stage,omitempty"`
	Error  string      `json:"error,omitempty"`
	At     time.Time   `json:"at"`
}

// Publisher delivers events. Publishing is best effort; callers log errors.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes JSON events on <prefix>.<status>.
type NATSPublisher struct {
	conn   Conn
	prefix string
}

func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Connect dials url and returns a publisher plus a drain func for shutdown.
func Connect(url, prefix string) (*NATSPublisher, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("surveyx"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSPublisher(nc, prefix), func() { _ = nc.Drain() }, nil
}

// Subject returns the subject an event with status is published on.
func (p *NATSPublisher) Subject(status task.Status) string {
	return p.prefix + "." + string(status)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(ev.Status), b)
}
