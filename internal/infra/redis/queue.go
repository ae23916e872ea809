package redis

import (
	"context"
	"strconv"
	"time"

	"plate-solver-service/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
)

const (
	queueKey      = "job_queue"
	counterKey    = "active_jobs"
	processingKey = "processing_jobs"
)

var (
	_ repository.Queue         = (*QueueRepo)(nil)
	_ repository.Counter       = (*CounterRepo)(nil)
	_ repository.ProcessingSet = (*ProcessingSetRepo)(nil)
)

// QueueRepo is the FIFO of queued job IDs, backed by a Redis list.
// RPUSH/BLPOP give insertion-order admission without any process-level lock.
type QueueRepo struct {
	client *Client
}

func NewQueueRepo(client *Client) *QueueRepo {
	return &QueueRepo{client: client}
}

func (q *QueueRepo) Push(ctx context.Context, id string) (int64, error) {
	return q.client.RPush(ctx, queueKey, id)
}

func (q *QueueRepo) BPop(ctx context.Context, timeout time.Duration) (string, error) {
	return q.client.BLPop(ctx, timeout, queueKey)
}

func (q *QueueRepo) Remove(ctx context.Context, id string) error {
	// LREM of an absent value removes nothing; a job popped between the
	// caller's read and this call simply proceeds.
	return q.client.LRem(ctx, queueKey, 1, id)
}

func (q *QueueRepo) Position(ctx context.Context, id string) (int, error) {
	ids, err := q.client.LRange(ctx, queueKey, 0, -1)
	if err != nil {
		return 0, err
	}
	for i, v := range ids {
		if v == id {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (q *QueueRepo) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey)
}

// CounterRepo is the shared processing-slot counter.
type CounterRepo struct {
	client *Client
}

func NewCounterRepo(client *Client) *CounterRepo {
	return &CounterRepo{client: client}
}

func (c *CounterRepo) Active(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, counterKey)
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, err
	}
	return parseInt(v), nil
}

func (c *CounterRepo) Incr(ctx context.Context) error {
	_, err := c.client.Incr(ctx, counterKey)
	return err
}

func (c *CounterRepo) Decr(ctx context.Context) error {
	_, err := c.client.Decr(ctx, counterKey)
	return err
}

// ProcessingSetRepo mirrors the in-flight job IDs for introspection.
type ProcessingSetRepo struct {
	client *Client
}

func NewProcessingSetRepo(client *Client) *ProcessingSetRepo {
	return &ProcessingSetRepo{client: client}
}

func (s *ProcessingSetRepo) Add(ctx context.Context, id string) error {
	return s.client.SAdd(ctx, processingKey, id)
}

func (s *ProcessingSetRepo) Remove(ctx context.Context, id string) error {
	return s.client.SRem(ctx, processingKey, id)
}

func (s *ProcessingSetRepo) Members(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, processingKey)
}

func isNil(err error) bool { return err == redis.Nil }

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
