package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for single-process runs and tests
type MemoryQueue struct {
	mu          sync.Mutex
	ready       []*Message
	pending     map[string]*Message
	dead        []DeadLetter
	notify      chan struct{}
	poll        time.Duration
	maxAttempts int64
	closed      bool
}

// NewMemoryQueue creates an in-memory queue
func NewMemoryQueue(maxAttempts int64, poll time.Duration) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &MemoryQueue{
		pending:     make(map[string]*Message),
		notify:      make(chan struct{}, 1),
		poll:        poll,
		maxAttempts: maxAttempts,
	}
}

// Publish enqueues a payload
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.ready = append(q.ready, &Message{ID: uuid.NewString(), Payload: payload})
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Consume returns the next ready message
func (q *MemoryQueue) Consume(ctx context.Context) (*Message, error) {
	timer := time.NewTimer(q.poll)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			msg.Attempts++
			q.pending[msg.ID] = msg
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			out := *msg
			return &out, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

// Ack removes a delivered message
func (q *MemoryQueue) Ack(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, msg.ID)
	return nil
}

// Nack requeues the message or dead-letters it after the last attempt
func (q *MemoryQueue) Nack(ctx context.Context, msg *Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	held, ok := q.pending[msg.ID]
	if !ok {
		return nil
	}
	delete(q.pending, msg.ID)
	if held.Attempts >= q.maxAttempts {
		q.dead = append(q.dead, deadLetter(held, reason))
		return nil
	}
	q.ready = append(q.ready, held)
	q.signal()
	return nil
}

// DeadLetter moves the message out of the queue
func (q *MemoryQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, msg.ID)
	q.dead = append(q.dead, deadLetter(msg, reason))
	return nil
}

// DeadLetters returns a copy of the dead-lettered messages
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Len returns the number of ready and unacknowledged messages
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.pending)
}

// Close stops the queue. Pending messages are dropped.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
	return nil
}

func deadLetter(msg *Message, reason string) DeadLetter {
	return DeadLetter{
		ID:      msg.ID,
		Payload: msg.Payload,
		Reason:  reason,
		MovedAt: time.Now().UTC(),
	}
}
