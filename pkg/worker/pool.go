// Package worker runs queue consumers that hand each message to a handler
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/logging"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/queue"
)

// ErrPoison marks a message that can never be processed. It is
// dead-lettered without further deliveries.
var ErrPoison = errors.New("poison message")

// Poison wraps err so the pool dead-letters the message
func Poison(err error) error {
	return fmt.Errorf("%w: %w", ErrPoison, err)
}

// Handler processes one message payload
type Handler func(ctx context.Context, payload []byte) error

// Stats counts handled messages
type Stats struct {
	Processed    int64
	Retried      int64
	DeadLettered int64
}

// Pool runs a fixed number of consumers against one queue
type Pool struct {
	queue       queue.Queue
	handler     Handler
	concurrency int
	logger      *logging.Logger

	processed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// DefaultConcurrency is one consumer per logical CPU
func DefaultConcurrency() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// NewPool creates a worker pool. A non-positive concurrency selects
// DefaultConcurrency.
func NewPool(q queue.Queue, handler Handler, concurrency int, logger *logging.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency()
	}
	return &Pool{
		queue:       q,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Concurrency returns the number of consumers
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Run consumes until ctx is cancelled or the queue is closed
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Worker pool started", logging.Fields{"concurrency": p.concurrency})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		logger := p.logger.WithField("worker", i)
		g.Go(func() error {
			return p.consume(gctx, logger)
		})
	}

	err := g.Wait()
	p.logger.Info("Worker pool stopped", logging.Fields{
		"processed":     p.processed.Load(),
		"retried":       p.retried.Load(),
		"dead_lettered": p.deadLettered.Load(),
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (p *Pool) consume(ctx context.Context, logger *logging.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := p.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			logger.Error("Failed to consume", logging.Fields{"error": err})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}

		p.handle(ctx, logger, msg)
	}
}

func (p *Pool) handle(ctx context.Context, logger *logging.Logger, msg *queue.Message) {
	logger = logger.WithFields(logging.Fields{"message_id": msg.ID, "attempt": msg.Attempts})

	err := p.handler(ctx, msg.Payload)
	switch {
	case err == nil:
		p.processed.Add(1)
		if err := p.queue.Ack(ctx, msg); err != nil {
			logger.Error("Failed to ack message", logging.Fields{"error": err})
		}
	case errors.Is(err, ErrPoison):
		p.deadLettered.Add(1)
		logger.Error("Dead-lettering message", logging.Fields{"error": err})
		if err := p.queue.DeadLetter(ctx, msg, err.Error()); err != nil {
			logger.Error("Failed to dead-letter message", logging.Fields{"error": err})
		}
	default:
		p.retried.Add(1)
		logger.Warn("Message failed, leaving for redelivery", logging.Fields{"error": err})
		if err := p.queue.Nack(ctx, msg, err.Error()); err != nil {
			logger.Error("Failed to nack message", logging.Fields{"error": err})
		}
	}
}

// Stats returns the handled message counts
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}
