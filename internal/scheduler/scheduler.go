// Package scheduler triggers scheduled syncs of every enabled source on the
// cron schedules held in the settings.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voyagen/channelvault/internal/errs"
	"github.com/voyagen/channelvault/internal/jobs"
	"github.com/voyagen/channelvault/internal/store"
)

// Triggerer creates sync jobs. jobs.Coordinator implements it.
type Triggerer interface {
	Trigger(ctx context.Context, req jobs.TriggerRequest) (jobs.TriggerResult, error)
}

// Recoverer re-drives jobs whose delivery or worker was lost. jobs.Coordinator
// implements it.
type Recoverer interface {
	Recover(ctx context.Context, queuedAfter, runningAfter time.Duration) (jobs.Recovered, error)
}

// Recovery configures the sweep for lost jobs.
type Recovery struct {
	Every        time.Duration
	QueuedAfter  time.Duration
	RunningAfter time.Duration
}

// Scheduler owns a cron runner whose entries mirror Settings.SyncSchedules.
type Scheduler struct {
	store store.Store
	trig  Triggerer
	cron  *cron.Cron

	mu       sync.Mutex
	base     context.Context
	entries  []cron.EntryID
	recovery cron.EntryID
}

func New(s store.Store, t Triggerer) *Scheduler {
	l := slogLogger{}
	return &Scheduler{
		store: s,
		trig:  t,
		cron:  cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
		base:  context.Background(),
	}
}

// EnableRecovery adds a sweep that runs r every cfg.Every. It is independent
// of the sync schedules and survives Reload.
func (s *Scheduler) EnableRecovery(r Recoverer, cfg Recovery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recovery != 0 {
		s.cron.Remove(s.recovery)
	}
	s.recovery = s.cron.Schedule(cron.Every(cfg.Every), cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.base
		s.mu.Unlock()
		Sweep(ctx, r, cfg)
	}))
}

// Sweep runs one recovery pass and logs what it did.
func Sweep(ctx context.Context, r Recoverer, cfg Recovery) {
	rec, err := r.Recover(ctx, cfg.QueuedAfter, cfg.RunningAfter)
	if err != nil {
		slog.ErrorContext(ctx, "job recovery", "error", err)
		return
	}
	if rec.Redispatched > 0 || rec.Interrupted > 0 {
		slog.WarnContext(ctx, "recovered jobs", "redispatched", rec.Redispatched, "interrupted", rec.Interrupted)
	}
}

// ValidateSchedules checks each spec parses as a standard cron expression.
func ValidateSchedules(specs []string) []errs.Detail {
	var details []errs.Detail
	for i, spec := range specs {
		if _, err := cron.ParseStandard(strings.TrimSpace(spec)); err != nil {
			details = append(details, errs.Detail{
				Field: fmt.Sprintf("sync_schedules[%d]", i),
				Error: err.Error(),
			})
		}
	}
	return details
}

// Run loads the schedules and runs them until ctx is done, then waits for
// running syncs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	slog.InfoContext(ctx, "scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
	return nil
}

// Reload replaces the cron entries with the current settings. With sync
// disabled no entries remain.
func (s *Scheduler) Reload(ctx context.Context) error {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("scheduler settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = nil
	if !settings.SyncEnabled {
		slog.InfoContext(ctx, "scheduled sync disabled")
		return nil
	}

	base := s.base
	for _, spec := range settings.SyncSchedules {
		spec = strings.TrimSpace(spec)
		id, err := s.cron.AddFunc(spec, func() { s.SyncAll(base) })
		if err != nil {
			slog.ErrorContext(ctx, "skipping invalid schedule", "schedule", spec, "error", err)
			continue
		}
		s.entries = append(s.entries, id)
	}
	slog.InfoContext(ctx, "schedules loaded", "count", len(s.entries))
	return nil
}

// Entries returns the number of active schedules.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SyncAll triggers a scheduled sync of every enabled source. Sources with an
// outstanding job keep it.
func (s *Scheduler) SyncAll(ctx context.Context) {
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "scheduled sync: list sources", "error", err)
		return
	}
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		res, err := s.trig.Trigger(ctx, jobs.TriggerRequest{SourceID: src.ID})
		if err != nil {
			slog.ErrorContext(ctx, "scheduled sync", "source_id", src.ID, "error", err)
			continue
		}
		slog.InfoContext(ctx, "scheduled sync", "source_id", src.ID, "job_id", res.JobID, "status", res.Status)
	}
}

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
