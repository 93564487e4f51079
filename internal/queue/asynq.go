package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// TaskSyncSource is the asynq task type for sync jobs.
const TaskSyncSource = "sync:source"

// AsynqQueue publishes sync jobs as asynq tasks. Each task is keyed by job id
// and attempt, so a job is enqueued at most once per attempt.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redisOpt  asynq.RedisConnOpt
	queue     string
}

// NewAsynqQueue connects to the redis at redisURL.
func NewAsynqQueue(redisURL string) (*AsynqQueue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		redisOpt:  opt,
		queue:     "default",
	}, nil
}

// TaskID is the asynq task id of msg.
func TaskID(msg Message) string {
	return fmt.Sprintf("%s:%d", msg.JobID, msg.Attempt)
}

func isTaskConflict(err error) bool {
	return errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict)
}

// Publish enqueues msg under TaskID(msg). Retries are driven by the job
// coordinator, so asynq itself never retries. A leftover task with the same id
// is deleted and the enqueue retried.
func (q *AsynqQueue) Publish(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	taskID := TaskID(msg)
	task := asynq.NewTask(TaskSyncSource, data,
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Queue(q.queue),
	)
	_, err = q.client.EnqueueContext(ctx, task)
	if err == nil {
		return nil
	}
	if !isTaskConflict(err) {
		return fmt.Errorf("enqueue: %w", err)
	}

	if delErr := q.inspector.DeleteTask(q.queue, taskID); delErr != nil {
		return fmt.Errorf("enqueue: %w (clear previous: %v)", err, delErr)
	}
	slog.DebugContext(ctx, "cleared previous task", "task_id", taskID)
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Consume runs an asynq server until ctx is cancelled.
func (q *AsynqQueue) Consume(ctx context.Context, concurrency int, h Handler) error {
	srv := asynq.NewServer(q.redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{q.queue: 1},
		BaseContext: func() context.Context { return ctx },
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSyncSource, func(ctx context.Context, t *asynq.Task) error {
		msg, err := Decode(t.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if err := h(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "handle message failed", "job_id", msg.JobID, "err", err)
		}
		return nil
	})

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("asynq start: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func (q *AsynqQueue) Close() error {
	q.inspector.Close()
	return q.client.Close()
}
