// Package jobs owns the sync job state machine.
//
// Triggers create Queued jobs and dispatch them. Workers move a job through
// InProgress to Completed or Failed, or back to Queued for another attempt.
// Every transition is a compare-and-set on the job's current state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voyagen/channelvault/internal/errs"
	"github.com/voyagen/channelvault/internal/logger"
	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/queue"
	"github.com/voyagen/channelvault/internal/store"
)

// AbsoluteMaxAttempts caps jobs created without a ceiling.
const AbsoluteMaxAttempts = 100

var (
	// ErrNotQueued is returned by Begin when the job was already picked up or finished.
	ErrNotQueued = errors.New("job is not queued")
	// ErrAttemptsExhausted is returned by Begin when the job has no attempts left.
	// The job has been marked Failed.
	ErrAttemptsExhausted = errors.New("job attempts exhausted")
	// ErrStaleAttempt is the failure cause recorded for attempts whose worker went away.
	ErrStaleAttempt = errors.New("worker stopped responding")
)

// Status values reported to callers.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const msgQueued = "Sync job queued successfully"

// TriggerRequest asks for a sync of one source.
type TriggerRequest struct {
	SourceID int64
	// Manual triggers get a single attempt; scheduled ones use the configured ceiling.
	Manual bool
}

// TriggerResult is what a trigger reports back.
type TriggerResult struct {
	JobID   uuid.UUID `json:"job_id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// StatusResult describes one job for a status query.
type StatusResult struct {
	JobID   uuid.UUID       `json:"job_id"`
	Status  string          `json:"status"`
	Success *bool           `json:"success,omitempty"`
	Message string          `json:"message"`
	State   models.JobState `json:"state"`
	Job     models.Job      `json:"job"`
}

// JobList is a source's active jobs plus a page of its finished ones.
type JobList struct {
	ActiveJobs []models.Job `json:"active_jobs"`
	Page       int          `json:"page"`
	Size       int          `json:"size"`
	Total      int          `json:"total"`
	Items      []models.Job `json:"items"`
}

// Coordinator creates, dispatches and transitions jobs.
type Coordinator struct {
	store store.Store
	pub   queue.Publisher
	now   func() time.Time
}

func New(s store.Store, pub queue.Publisher) *Coordinator {
	return &Coordinator{store: s, pub: pub, now: time.Now}
}

// Trigger creates and dispatches a sync job for a source, or reports the job
// already outstanding for it.
func (c *Coordinator) Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	src, err := c.store.GetSource(ctx, req.SourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TriggerResult{}, errs.NotFound("source %d not found", req.SourceID)
		}
		return TriggerResult{}, err
	}
	if !src.Enabled {
		return TriggerResult{}, errs.E(http.StatusBadRequest, "Cannot sync disabled source")
	}

	settings, err := c.store.GetSettings(ctx)
	if err != nil {
		return TriggerResult{}, err
	}
	maxAttempts := 1
	if !req.Manual {
		maxAttempts = settings.SyncJobMaxAttempts
	}

	job := &models.Job{
		JobID:             uuid.New(),
		Type:              models.JobTypeForSource(src.Kind),
		State:             models.JobQueued,
		StatusDescription: msgQueued,
		SourceID:          src.ID,
		AllowAutoDeletion: settings.AllowStreamAutoDeletion,
	}
	if maxAttempts > 0 {
		job.MaxAttempts = &maxAttempts
	}

	existing, created, err := c.store.CreateJobIfIdle(ctx, job)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("create job: %w", err)
	}
	if !created {
		return TriggerResult{
			JobID:   existing.JobID,
			Status:  statusOf(existing.State),
			Message: existing.StatusDescription,
		}, nil
	}

	ctx = logger.Ctx(ctx, slog.String("job_id", job.JobID.String()), slog.Int64("source_id", src.ID))
	if err := c.dispatch(ctx, existing); err != nil {
		return TriggerResult{JobID: job.JobID, Status: StatusFailed, Message: err.Error()}, nil
	}
	slog.InfoContext(ctx, "sync job queued", "type", job.Type, "manual", req.Manual)
	return TriggerResult{JobID: job.JobID, Status: StatusQueued, Message: msgQueued}, nil
}

// dispatch publishes a Queued job. When publishing fails the job is failed so
// it never stays Queued without a message.
func (c *Coordinator) dispatch(ctx context.Context, j *models.Job) error {
	msg := queue.Message{
		JobID:   j.JobID,
		Type:    j.Type,
		Options: queue.Options{SourceID: j.SourceID, AllowAutoDeletion: j.AllowAutoDeletion},
		Attempt: j.AttemptCount,
	}
	pubErr := c.pub.Publish(ctx, msg)
	if pubErr == nil {
		return nil
	}

	desc := fmt.Sprintf("Failed to dispatch job: %v", pubErr)
	slog.ErrorContext(ctx, "dispatch failed", "error", pubErr)
	_, err := c.store.TransitionJob(ctx, j.JobID, models.JobQueued, func(j *models.Job) {
		j.State = models.JobFailed
		j.StatusDescription = desc
	})
	if err != nil {
		slog.ErrorContext(ctx, "failing undispatched job", "error", err)
	}
	return errors.New(desc)
}

// Status reports a job of the source: the one with jobID, or the latest when
// jobID is empty.
func (c *Coordinator) Status(ctx context.Context, sourceID int64, jobID string) (StatusResult, error) {
	if _, err := c.store.GetSource(ctx, sourceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StatusResult{}, errs.NotFound("source %d not found", sourceID)
		}
		return StatusResult{}, err
	}

	var (
		j   *models.Job
		err error
	)
	if jobID = strings.TrimSpace(jobID); jobID == "" {
		j, err = c.store.LatestJob(ctx, sourceID)
	} else {
		id, perr := uuid.Parse(jobID)
		if perr != nil {
			return StatusResult{}, errs.Invalid("job_id", "must be a UUID")
		}
		j, err = c.store.GetJob(ctx, id)
		if err == nil && j.SourceID != sourceID {
			err = store.ErrNotFound
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StatusResult{}, errs.NotFound("Job not found")
		}
		return StatusResult{}, err
	}
	return describe(j), nil
}

func describe(j *models.Job) StatusResult {
	res := StatusResult{JobID: j.JobID, State: j.State, Message: j.StatusDescription, Job: *j}
	switch j.State {
	case models.JobQueued:
		res.Status = StatusQueued
		if res.Message == "" {
			res.Message = msgQueued
		}
	case models.JobInProgress:
		res.Status = StatusInProgress
	default:
		ok := j.State == models.JobCompleted
		res.Status = StatusCompleted
		res.Success = &ok
	}
	return res
}

func statusOf(s models.JobState) string {
	switch s {
	case models.JobQueued:
		return StatusQueued
	case models.JobInProgress:
		return StatusInProgress
	case models.JobCompleted:
		return StatusCompleted
	}
	return StatusFailed
}

// Begin starts a new attempt of a Queued job.
func (c *Coordinator) Begin(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	exhausted := false
	j, err := c.store.TransitionJob(ctx, jobID, models.JobQueued, func(j *models.Job) {
		ceiling := attemptCeiling(j)
		if j.AttemptCount+1 > ceiling {
			exhausted = true
			j.State = models.JobFailed
			j.StatusDescription = fmt.Sprintf("Job attempts exhausted (%d of %d)", j.AttemptCount, ceiling)
			return
		}
		now := c.now().UTC()
		j.State = models.JobInProgress
		j.AttemptCount++
		j.LastAttemptStartedAt = &now
		j.StatusDescription = fmt.Sprintf("Processing job (attempt %d of %s)", j.AttemptCount, maxLabel(j))
	})
	if errors.Is(err, store.ErrStateMismatch) {
		return j, fmt.Errorf("%w: %s", ErrNotQueued, err)
	}
	if err != nil {
		return nil, fmt.Errorf("begin job %s: %w", jobID, err)
	}
	if exhausted {
		return j, ErrAttemptsExhausted
	}
	slog.InfoContext(ctx, "processing job", "job_id", jobID, "attempt", j.AttemptCount, "max_attempts", maxLabel(j))
	return j, nil
}

// Complete finishes an InProgress job successfully.
func (c *Coordinator) Complete(ctx context.Context, jobID uuid.UUID, description string) error {
	_, err := c.store.TransitionJob(ctx, jobID, models.JobInProgress, func(j *models.Job) {
		j.State = models.JobCompleted
		j.StatusDescription = description
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// Fail ends the current attempt of an InProgress job. A retryable failure
// with attempts left requeues and redispatches the job; anything else fails it.
func (c *Coordinator) Fail(ctx context.Context, jobID uuid.UUID, cause error, retryable bool) error {
	reason := strings.TrimSuffix(cause.Error(), ".")
	retry := false
	j, err := c.store.TransitionJob(ctx, jobID, models.JobInProgress, func(j *models.Job) {
		ceiling := attemptCeiling(j)
		if retryable && j.AttemptCount < ceiling {
			retry = true
			j.State = models.JobQueued
			j.StatusDescription = fmt.Sprintf("Error processing job (attempt %d of %d). Queued for retry", j.AttemptCount, ceiling)
			return
		}
		j.State = models.JobFailed
		j.StatusDescription = fmt.Sprintf("Error processing job: %s. Last attempt reached.", reason)
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if !retry {
		slog.WarnContext(ctx, "job failed", "job_id", jobID, "error", cause)
		return nil
	}
	slog.WarnContext(ctx, "job attempt failed, requeued", "job_id", jobID, "attempt", j.AttemptCount, "error", cause)
	if err := c.dispatch(ctx, j); err != nil {
		return err
	}
	return nil
}

// Recovered counts the jobs a Recover sweep acted on.
type Recovered struct {
	Redispatched int
	Interrupted  int
}

// Recover re-drives jobs whose delivery or worker was lost. Queued jobs not
// touched for queuedAfter are published again; InProgress attempts started
// more than runningAfter ago are failed, which requeues them when attempts
// remain. Jobs that move on concurrently are left alone.
func (c *Coordinator) Recover(ctx context.Context, queuedAfter, runningAfter time.Duration) (Recovered, error) {
	var rec Recovered
	active, err := c.store.ListActiveJobs(ctx)
	if err != nil {
		return rec, fmt.Errorf("recover: %w", err)
	}
	now := c.now()
	for _, j := range active {
		jctx := logger.Ctx(ctx, slog.String("job_id", j.JobID.String()), slog.Int64("source_id", j.SourceID))
		switch j.State {
		case models.JobQueued:
			if now.Sub(j.UpdatedAt) < queuedAfter {
				continue
			}
			// Touch the job so a long backlog is not published again every sweep.
			touched, err := c.store.TransitionJob(jctx, j.JobID, models.JobQueued, func(*models.Job) {})
			if errors.Is(err, store.ErrStateMismatch) {
				continue
			}
			if err != nil {
				return rec, fmt.Errorf("recover %s: %w", j.JobID, err)
			}
			slog.WarnContext(jctx, "redispatching queued job", "idle", now.Sub(j.UpdatedAt).Round(time.Second))
			if err := c.dispatch(jctx, touched); err != nil {
				slog.ErrorContext(jctx, "redispatch failed", "error", err)
			}
			rec.Redispatched++
		case models.JobInProgress:
			if j.LastAttemptStartedAt == nil || now.Sub(*j.LastAttemptStartedAt) < runningAfter {
				continue
			}
			err := c.Fail(jctx, j.JobID, ErrStaleAttempt, true)
			if errors.Is(err, store.ErrStateMismatch) {
				continue
			}
			if err != nil {
				slog.ErrorContext(jctx, "failing stale attempt", "error", err)
				continue
			}
			rec.Interrupted++
		}
	}
	return rec, nil
}

// ActiveJobs returns every non-terminal job with the id of the source it acts on.
func (c *Coordinator) ActiveJobs(ctx context.Context) ([]models.ActiveJob, error) {
	jobs, err := c.store.ListActiveJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ActiveJob, len(jobs))
	for i, j := range jobs {
		out[i] = models.ActiveJob{Job: j, OwnerID: j.SourceID}
	}
	return out, nil
}

// ListJobs returns the source's active jobs and one page of its history.
func (c *Coordinator) ListJobs(ctx context.Context, sourceID int64, page, size int) (JobList, error) {
	if page < 1 {
		return JobList{}, errs.Invalid("page", "must be at least 1")
	}
	if size < 1 || size > 100 {
		return JobList{}, errs.Invalid("size", "must be between 1 and 100")
	}
	if _, err := c.store.GetSource(ctx, sourceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return JobList{}, errs.NotFound("source %d not found", sourceID)
		}
		return JobList{}, err
	}

	all, err := c.store.ListActiveJobs(ctx)
	if err != nil {
		return JobList{}, err
	}
	active := []models.Job{}
	for _, j := range all {
		if j.SourceID == sourceID {
			active = append(active, j)
		}
	}
	items, total, err := c.store.ListJobs(ctx, store.JobFilter{SourceID: sourceID, Limit: size, Offset: (page - 1) * size})
	if err != nil {
		return JobList{}, err
	}
	return JobList{ActiveJobs: active, Page: page, Size: size, Total: total, Items: items}, nil
}

func attemptCeiling(j *models.Job) int {
	if j.MaxAttempts == nil {
		return AbsoluteMaxAttempts
	}
	return *j.MaxAttempts
}

func maxLabel(j *models.Job) string {
	if j.MaxAttempts == nil {
		return "Unlimited"
	}
	return strconv.Itoa(*j.MaxAttempts)
}
