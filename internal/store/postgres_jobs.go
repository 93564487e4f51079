package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/voyagen/channelvault/internal/models"
)

const jobColumns = `id, job_id, type, state, status_description, attempt_count, max_attempts,
	last_attempt_started_at, source_id, allow_auto_deletion, created_at, updated_at`

var activeStates = []string{string(models.JobQueued), string(models.JobInProgress)}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	if err := row.Scan(&j.ID, &j.JobID, &j.Type, &j.State, &j.StatusDescription, &j.AttemptCount,
		&j.MaxAttempts, &j.LastAttemptStartedAt, &j.SourceID, &j.AllowAutoDeletion,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	jobs := []models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CreateJobIfIdle holds a per-source advisory lock while checking for an active
// job; the partial unique index on (source_id, type) backs it up.
func (p *Postgres) CreateJobIfIdle(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	var (
		existing *models.Job
		created  bool
	)
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		if err := advisoryLock(ctx, tx, lockClassSourceJobs, job.SourceID); err != nil {
			return err
		}
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE source_id = $1 AND type = $2 AND state = ANY($3)
			 ORDER BY created_at DESC LIMIT 1`,
			job.SourceID, job.Type, activeStates))
		if err == nil {
			existing = j
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("CreateJobIfIdle: %w", err)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO jobs (job_id, type, state, status_description, attempt_count, max_attempts,
			   source_id, allow_auto_deletion)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id, created_at, updated_at`,
			job.JobID, job.Type, job.State, job.StatusDescription, job.AttemptCount, job.MaxAttempts,
			job.SourceID, job.AllowAutoDeletion,
		).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("CreateJobIfIdle: %w", mapErr(err))
		}
		existing, created = job, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return existing, created, nil
}

func (p *Postgres) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if err != nil {
		return nil, fmt.Errorf("GetJob: %w", mapErr(err))
	}
	return j, nil
}

func (p *Postgres) LatestJob(ctx context.Context, sourceID int64) (*models.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE source_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		sourceID))
	if err != nil {
		return nil, fmt.Errorf("LatestJob: %w", mapErr(err))
	}
	return j, nil
}

func (p *Postgres) ListActiveJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ANY($1) ORDER BY created_at, id`, activeStates)
	if err != nil {
		return nil, fmt.Errorf("ListActiveJobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("ListActiveJobs: %w", err)
	}
	return jobs, nil
}

func (p *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, int, error) {
	where := sq.And{
		sq.Eq{"source_id": f.SourceID},
		sq.NotEq{"state": activeStates},
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("jobs").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("ListJobs: %w", err)
	}
	var total int
	if err := p.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListJobs count: %w", err)
	}

	query, args, err := psql.Select(jobColumns).From("jobs").Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(f.Limit)).Offset(uint64(f.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("ListJobs: %w", err)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListJobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("ListJobs: %w", err)
	}
	return jobs, total, nil
}

func (p *Postgres) TransitionJob(ctx context.Context, jobID uuid.UUID, from models.JobState, mutate func(j *models.Job)) (*models.Job, error) {
	var out *models.Job
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID))
		if err != nil {
			return fmt.Errorf("TransitionJob: %w", mapErr(err))
		}
		if j.State != from {
			out = j
			return fmt.Errorf("TransitionJob %s: %w (is %s, want %s)", jobID, ErrStateMismatch, j.State, from)
		}
		mutate(j)
		if j.State != from && !models.CanTransition(from, j.State) {
			return fmt.Errorf("TransitionJob %s: illegal transition %s -> %s", jobID, from, j.State)
		}
		err = tx.QueryRow(ctx,
			`UPDATE jobs SET state = $2, status_description = $3, attempt_count = $4,
			   last_attempt_started_at = $5, updated_at = NOW()
			 WHERE id = $1
			 RETURNING updated_at`,
			j.ID, j.State, j.StatusDescription, j.AttemptCount, j.LastAttemptStartedAt,
		).Scan(&j.UpdatedAt)
		if err != nil {
			return fmt.Errorf("TransitionJob: %w", mapErr(err))
		}
		out = j
		return nil
	})
	return out, err
}

const settingsID = 1

// GetSettings returns the saved settings, or the defaults when none are saved.
func (p *Postgres) GetSettings(ctx context.Context) (models.Settings, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM settings WHERE id = $1`, settingsID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DefaultSettings(), nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("GetSettings: %w", err)
	}
	s := models.DefaultSettings()
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.Settings{}, fmt.Errorf("GetSettings: %w", err)
	}
	return s, nil
}

func (p *Postgres) SaveSettings(ctx context.Context, s models.Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("SaveSettings: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO settings (id, data) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		settingsID, raw)
	if err != nil {
		return fmt.Errorf("SaveSettings: %w", err)
	}
	return nil
}
