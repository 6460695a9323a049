// Package broker provides cursor-resumable event logs that subscription
// handlers can replay and follow.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrFutureCursor is returned by Subscribe when the cursor is ahead of
	// the newest event in the topic.
	ErrFutureCursor = errors.New("broker: cursor is in the future")
	// ErrClosed is returned once a subscription or broker has been closed.
	ErrClosed = errors.New("broker: closed")
)

// Broker is an ordered, append-only event log partitioned by topic.
// Sequence numbers start at 1 and increase by one per published event
// within a topic.
type Broker interface {
	// Publish appends an event to topic and returns its sequence number.
	Publish(ctx context.Context, topic, typ string, data []byte) (seq int64, err error)

	// Subscribe follows topic. With a nil cursor only events published after
	// the call are delivered. Otherwise delivery starts after *cursor,
	// replaying retained events first; a cursor older than the retained
	// history starts at the oldest retained event.
	Subscribe(ctx context.Context, topic string, cursor *int64) (Subscription, error)
}

// Subscription delivers events in sequence order. It is safe for use by a
// single consumer.
type Subscription interface {
	// Next blocks until the next event is available or ctx is done.
	Next(ctx context.Context) (Event, error)

	// Close releases resources. After Close, Next returns ErrClosed.
	Close() error
}

// Event is one entry of a topic's log.
type Event struct {
	Seq  int64
	Time time.Time
	// Type is an optional type tag such as "com.example.subscribe#commit".
	Type string
	Data []byte
}
