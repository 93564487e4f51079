// Package service runs sync jobs: it fetches a source's channel list and
// reconciles it into the store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voyagen/channelvault/internal/cache"
	"github.com/voyagen/channelvault/internal/fetcher"
	"github.com/voyagen/channelvault/internal/jobs"
	"github.com/voyagen/channelvault/internal/logger"
	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/queue"
	"github.com/voyagen/channelvault/internal/reconcile"
	"github.com/voyagen/channelvault/internal/store"
)

// DefaultLockTTL bounds how long a crashed worker can keep a source locked.
const DefaultLockTTL = 10 * time.Minute

// finishTimeout bounds the job bookkeeping done after an attempt, which runs
// even when the delivery context is already cancelled.
const finishTimeout = 15 * time.Second

// ErrShutdown is the failure cause recorded when the worker stops mid-attempt.
var ErrShutdown = errors.New("worker shut down")

// Fetcher retrieves a source's channel list.
type Fetcher interface {
	Fetch(ctx context.Context, url, userAgent string) ([]fetcher.Record, error)
}

// Locker takes a per-key lock. cache.Redis implements it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Coordinator is the part of jobs.Coordinator the runner drives.
type Coordinator interface {
	Begin(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Complete(ctx context.Context, jobID uuid.UUID, description string) error
	Fail(ctx context.Context, jobID uuid.UUID, cause error, retryable bool) error
}

// Runner executes sync jobs delivered by the queue.
type Runner struct {
	store      store.Store
	coord      Coordinator
	fetcher    Fetcher
	reconciler *reconcile.Reconciler
	locker     Locker
	LockTTL    time.Duration
	now        func() time.Time
}

// NewRunner builds a Runner. locker may be nil, in which case only the
// store's per-source transaction lock guards concurrent syncs.
func NewRunner(s store.Store, coord Coordinator, f Fetcher, locker Locker) *Runner {
	return &Runner{
		store:      s,
		coord:      coord,
		fetcher:    f,
		reconciler: reconcile.New(s),
		locker:     locker,
		LockTTL:    DefaultLockTTL,
		now:        time.Now,
	}
}

// permanent marks failures another attempt cannot fix.
type permanent struct{ error }

func (p permanent) Unwrap() error { return p.error }

// Handle runs one delivery of a sync job. It is a queue.Handler. Errors that
// concern the job are recorded on the job; only bookkeeping failures are
// returned.
func (r *Runner) Handle(ctx context.Context, msg queue.Message) error {
	ctx = logger.Ctx(ctx,
		slog.String("job_id", msg.JobID.String()),
		slog.Int64("source_id", msg.Options.SourceID),
	)

	job, err := r.coord.Begin(ctx, msg.JobID)
	switch {
	case errors.Is(err, jobs.ErrNotQueued):
		slog.InfoContext(ctx, "skipping delivery of job that is not queued", "error", err)
		return nil
	case errors.Is(err, jobs.ErrAttemptsExhausted):
		slog.WarnContext(ctx, "job attempts exhausted")
		return nil
	case err != nil:
		return err
	}

	res, runErr := r.run(ctx, job)

	// The attempt must end in a recorded state even if the worker is stopping.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if runErr != nil {
		if ctx.Err() != nil {
			slog.WarnContext(fctx, "attempt interrupted", "error", runErr)
			return r.coord.Fail(fctx, job.JobID, ErrShutdown, true)
		}
		var p permanent
		return r.coord.Fail(fctx, job.JobID, runErr, !errors.As(runErr, &p))
	}
	slog.InfoContext(ctx, "sync finished",
		"created", res.Created, "updated", res.Updated,
		"deactivated", res.Deactivated, "deleted", res.Deleted,
		"unchanged", res.Unchanged, "skipped", res.Skipped,
	)
	return r.coord.Complete(fctx, job.JobID, res.Summary())
}

func (r *Runner) run(ctx context.Context, job *models.Job) (reconcile.Result, error) {
	src, err := r.store.GetSource(ctx, job.SourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return reconcile.Result{}, permanent{fmt.Errorf("source %d no longer exists", job.SourceID)}
		}
		return reconcile.Result{}, err
	}
	if !src.Enabled {
		slog.WarnContext(ctx, "source is not enabled")
		return reconcile.Result{}, permanent{errors.New("source is not enabled")}
	}

	if r.locker != nil {
		unlock, err := r.locker.TryLock(ctx, cache.SourceLockKey(src.ID), r.LockTTL)
		if err != nil {
			if errors.Is(err, cache.ErrLocked) {
				return reconcile.Result{}, fmt.Errorf("source %d is being synced by another worker", src.ID)
			}
			return reconcile.Result{}, err
		}
		defer unlock()
	}

	records, err := r.fetcher.Fetch(ctx, src.URL, src.UserAgent)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("fetch %s: %w", src.URL, err)
	}
	slog.InfoContext(ctx, "channel list retrieved", "records", len(records), "url", src.URL)

	res, err := r.reconciler.Apply(ctx, src.ID, records, job.AllowAutoDeletion)
	if err != nil {
		return reconcile.Result{}, err
	}
	if err := r.store.MarkSourceSynced(ctx, src.ID, r.now().UTC()); err != nil {
		slog.WarnContext(ctx, "recording sync time", "error", err)
	}
	return res, nil
}
