package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobQueue is a FIFO queue of export jobs over a redis list, sibling to the
// notification queue but carrying much larger, much rarer payloads.
type JobQueue struct {
	client *redis.Client
	key    string
}

// NewJobQueue connects to redis and returns a queue backed by the named list.
func NewJobQueue(redisURL, key string) (*JobQueue, error) {
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

	return &JobQueue{client: client, key: key}, nil
}

// NewJobQueueWithClient creates a queue from an existing redis client.
func NewJobQueueWithClient(client *redis.Client, key string) *JobQueue {
	return &JobQueue{client: client, key: key}
}

func (q *JobQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Dequeue blocks up to the given timeout for the next job. The second return
// value is false when the wait timed out with an empty queue.
func (q *JobQueue) Dequeue(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	values, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("dequeue job: %w", err)
	}
	// BRPOP returns [key, value].
	if len(values) != 2 {
		return Job{}, false, fmt.Errorf("dequeue job: unexpected reply length %d", len(values))
	}

	var job Job
	if err := json.Unmarshal([]byte(values[1]), &job); err != nil {
		return Job{}, false, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, true, nil
}

func (q *JobQueue) Close() error {
	return q.client.Close()
}
