package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// enqueueTimeout bounds how long Enqueue may hold up a writer. The comment
// is already committed by the time Enqueue runs; on timeout the event is
// dropped and logged by the caller (at-least-once overall, not exactly-once).
const enqueueTimeout = 2 * time.Second

// Queue is a FIFO work queue over a redis list. LPUSH/BRPOP preserves enqueue
// order across events, which keeps per-target notification order intact.
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue connects to redis and returns a queue backed by the named list.
func NewQueue(redisURL, key string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Queue{client: client, key: key}, nil
}

// NewQueueWithClient creates a queue from an existing redis client.
func NewQueueWithClient(client *redis.Client, key string) *Queue {
	return &Queue{client: client, key: key}
}

// Enqueue pushes one event. Returns quickly; callers treat errors as
// best-effort and must not fail the originating write.
func (q *Queue) Enqueue(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// Dequeue blocks up to the given timeout for the next event. The second
// return value is false when the wait timed out with an empty queue.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Event, bool, error) {
	values, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("dequeue event: %w", err)
	}
	// BRPOP returns [key, value].
	if len(values) != 2 {
		return Event{}, false, fmt.Errorf("dequeue event: unexpected reply length %d", len(values))
	}

	var event Event
	if err := json.Unmarshal([]byte(values[1]), &event); err != nil {
		return Event{}, false, fmt.Errorf("unmarshal event: %w", err)
	}
	return event, true, nil
}

// Len reports the number of pending events.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	length, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return length, nil
}

// Close closes the underlying redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Ping checks if redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
