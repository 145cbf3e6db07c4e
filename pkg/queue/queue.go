// Package queue carries raw job events from webhook ingest to the workers.
// Delivery is at least once; consumers must be idempotent.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue closed")

// Message is one delivery of a queued payload
type Message struct {
	ID       string
	Payload  []byte
	Attempts int64
}

// DeadLetter is a message that exhausted its deliveries or could never be
// processed
type DeadLetter struct {
	ID      string
	Payload []byte
	Reason  string
	MovedAt time.Time
}

// Queue is a work queue with explicit acknowledgement
type Queue interface {
	Publish(ctx context.Context, payload []byte) error
	// Consume returns the next message, or nil when none arrived before
	// the poll interval elapsed
	Consume(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	// Nack leaves the message for redelivery. A message that reached the
	// maximum delivery count is dead-lettered instead.
	Nack(ctx context.Context, msg *Message, reason string) error
	DeadLetter(ctx context.Context, msg *Message, reason string) error
	Close() error
}

// DefaultMaxAttempts is the delivery count after which a message is
// dead-lettered
const DefaultMaxAttempts = 5
