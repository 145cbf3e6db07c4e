package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis Streams queue configuration
type RedisConfig struct {
	URL         string
	Password    string
	Stream      string
	Group       string
	Block       time.Duration
	ClaimIdle   time.Duration
	MaxAttempts int64
}

// RedisQueue is a Queue backed by a Redis stream and consumer group.
// Unacknowledged entries stay in the pending list and are reclaimed by
// any consumer once they have been idle for ClaimIdle.
type RedisQueue struct {
	client      *redis.Client
	stream      string
	dlq         string
	group       string
	consumer    string
	block       time.Duration
	claimIdle   time.Duration
	maxAttempts int64
}

// NewRedisQueue connects to Redis and ensures the consumer group exists
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.Stream == "" {
		cfg.Stream = "ci-warehouse:jobs"
	}
	if cfg.Group == "" {
		cfg.Group = "ci-warehouse-workers"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	q := &RedisQueue{
		client:      redis.NewClient(opts),
		stream:      cfg.Stream,
		dlq:         cfg.Stream + ":dlq",
		group:       cfg.Group,
		consumer:    fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		block:       cfg.Block,
		claimIdle:   cfg.ClaimIdle,
		maxAttempts: cfg.MaxAttempts,
	}

	if err := q.client.Ping(ctx).Err(); err != nil {
		q.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		q.client.Close()
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Publish appends a payload to the stream
func (q *RedisQueue) Publish(ctx context.Context, payload []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			"payload":     string(payload),
			"enqueued_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Consume reclaims a stale pending entry if there is one, otherwise reads
// the next new entry
func (q *RedisQueue) Consume(ctx context.Context) (*Message, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim pending entries: %w", err)
	}
	if len(claimed) > 0 {
		return q.message(ctx, claimed[0])
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return q.message(ctx, streams[0].Messages[0])
}

func (q *RedisQueue) message(ctx context.Context, msg redis.XMessage) (*Message, error) {
	payload, _ := msg.Values["payload"].(string)
	attempts, err := q.deliveryCount(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	return &Message{ID: msg.ID, Payload: []byte(payload), Attempts: attempts}, nil
}

func (q *RedisQueue) deliveryCount(ctx context.Context, id string) (int64, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delivery count: %w", err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return pending[0].RetryCount, nil
}

// Ack acknowledges and deletes the entry
func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	if err := q.client.XAck(ctx, q.stream, q.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", msg.ID, err)
	}
	return q.client.XDel(ctx, q.stream, msg.ID).Err()
}

// Nack leaves the entry pending so it is reclaimed after ClaimIdle
func (q *RedisQueue) Nack(ctx context.Context, msg *Message, reason string) error {
	if msg.Attempts >= q.maxAttempts {
		return q.DeadLetter(ctx, msg, fmt.Sprintf("max attempts (%d) reached: %s", q.maxAttempts, reason))
	}
	return nil
}

// DeadLetter copies the entry to the dead letter stream and acknowledges it
func (q *RedisQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.dlq,
		Values: map[string]interface{}{
			"original_message_id": msg.ID,
			"original_queue":      q.stream,
			"payload":             string(msg.Payload),
			"reason":              reason,
			"attempts":            msg.Attempts,
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"worker_id":           q.consumer,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", msg.ID, err)
	}
	return q.Ack(ctx, msg)
}

// DeadLetters reads up to count entries of the dead letter stream
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	msgs, err := q.client.XRangeN(ctx, q.dlq, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		id, _ := m.Values["original_message_id"].(string)
		payload, _ := m.Values["payload"].(string)
		reason, _ := m.Values["reason"].(string)
		movedAt, _ := m.Values["moved_at"].(string)
		moved, _ := time.Parse(time.RFC3339, movedAt)
		out = append(out, DeadLetter{ID: id, Payload: []byte(payload), Reason: reason, MovedAt: moved})
	}
	return out, nil
}

// Ping checks the Redis connection
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
