package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voyagen/channelvault/internal/cache"
	"github.com/voyagen/channelvault/internal/logger"
)

// DefaultKey is the Redis list used for sync jobs.
var DefaultKey = cache.Key("jobs", "sync")

// RedisQueue is a FIFO job queue on a Redis list: LPUSH to publish, BRPOP to consume.
type RedisQueue struct {
	r   *cache.Redis
	key string
	// PollTimeout bounds each BRPOP so consumers notice shutdown.
	PollTimeout time.Duration
}

func NewRedisQueue(r *cache.Redis, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{r: r, key: key, PollTimeout: 5 * time.Second}
}

// Publish pushes msg onto the left side of the list.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := q.r.Client().LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("queue publish: %w", err)
	}
	return nil
}

// Dequeue blocks until a message is available or the poll timeout expires.
// On timeout or shutdown it returns (nil, nil) so the caller can loop.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Message, error) {
	result, err := q.r.Client().BRPop(ctx, q.PollTimeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) < 2 {
		return nil, nil
	}
	msg, err := Decode([]byte(result[1]))
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Consume runs concurrency workers that dequeue and handle messages until ctx
// is cancelled, then waits for in-flight handlers.
func (q *RedisQueue) Consume(ctx context.Context, concurrency int, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(logger.Ctx(ctx, slog.Int("worker", worker)), h)
		}(i)
	}
	wg.Wait()
	return nil
}

func (q *RedisQueue) work(ctx context.Context, h Handler) {
	slog.InfoContext(ctx, "sync worker started")
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "sync worker stopping")
			return
		default:
		}

		msg, err := q.Dequeue(ctx)
		if errors.Is(err, ErrMalformed) {
			slog.ErrorContext(ctx, "dropping malformed message", "err", err)
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "dequeue failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}
		if err := h(ctx, *msg); err != nil {
			slog.ErrorContext(ctx, "handle message failed", "job_id", msg.JobID, "err", err)
		}
	}
}
