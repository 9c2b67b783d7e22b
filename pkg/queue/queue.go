// Package queue decouples sync triggers from execution through a Redis
// list. The bot and the enqueue command produce jobs; a single worker
// consumes them. Jobs are cheap to re-issue and upsert runs are idempotent,
// so there are no retry semantics beyond the operator enqueueing again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/commonsops/rostersync/config"
)

// Redis key layout. Jobs wait on the list; each job is mirrored under its
// own key so operators can inspect what was requested after the fact.
const (
	jobsKey      = "rostersync:jobs"
	jobKeyPrefix = "rostersync:job:"
)

const defaultRetention = 7 * 24 * time.Hour

// ErrEmpty reports that a Dequeue wait timed out with no job available.
var ErrEmpty = errors.New("queue: no job available")

// Job is one requested sync run.
type Job struct {
	ID           string    `json:"id"`
	Mode         string    `json:"mode,omitempty"`
	Differential bool      `json:"differential,omitempty"`
	Skip         []string  `json:"skip,omitempty"`
	Requester    string    `json:"requester,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Queue is the job transport between triggers and the worker.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// RedisQueue implements Queue on a Redis list.
type RedisQueue struct {
	client    *redis.Client
	retention time.Duration
}

// New connects a queue from configuration.
func New(cfg *config.QueueConfig) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client)
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, retention: defaultRetention}
}

// Enqueue pushes the job onto the list and mirrors it under its own key
// with the retention TTL. A missing id or enqueue time is filled in; the
// job id is returned so callers can report it.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, jobsKey, data)
	pipe.Set(ctx, jobKeyPrefix+job.ID, data, q.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// Dequeue blocks up to timeout for the next job. An idle wait returns
// ErrEmpty; the worker loops on it.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.client.BRPop(ctx, timeout, jobsKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("waiting for job: %w", err)
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

// Depth returns the number of jobs waiting on the list.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, jobsKey).Result()
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
