// Package scheduler runs cron trigger jobs: stored schedules that
// fire workflow executions on a timer.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weft-dev/weft/internal/store"
)

// Runner is the interface the scheduler uses to start executions.
// Satisfied by the engine (avoids import cycle).
type Runner interface {
	Trigger(ctx context.Context, workflowID, projectID string, input map[string]any) (string, error)
}

// Scheduler polls the store for due trigger jobs and fires them.
type Scheduler struct {
	store    store.Store
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently firing (dedup)
}

// New creates a Scheduler with the standard 5-field cron parser.
func New(s store.Store, runner Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: 60 * time.Second,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.store.ListTriggerJobs(ctx, true)
	if err != nil {
		s.logger.Error("list trigger jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // still firing from a previous tick
		}
		if err := s.fire(ctx, job, now); err != nil {
			s.logger.Error("fire trigger job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(job.ID)
	}
}

// fire triggers the job's workflow and records the outcome.
func (s *Scheduler) fire(ctx context.Context, job *store.TriggerJob, now time.Time) error {
	s.logger.Info("firing trigger job",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
	)

	_, err := s.runner.Trigger(ctx, job.WorkflowID, job.ProjectID, job.Input)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("trigger job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.recordRun(ctx, job, now, status)
}

func (s *Scheduler) recordRun(ctx context.Context, job *store.TriggerJob, now time.Time, status string) error {
	nextRun, err := s.NextRun(job.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateTriggerJob(ctx, job.ID, store.TriggerJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire marks the job as in-flight unless it already is.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// RecoverMissed fires every enabled job whose next run time passed
// while the process was down. Called once on startup.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	jobs, err := s.store.ListTriggerJobs(ctx, true)
	if err != nil {
		return fmt.Errorf("list trigger jobs: %w", err)
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		s.logger.Info("recovering missed trigger job",
			slog.String("job_id", job.ID),
			slog.String("workflow_id", job.WorkflowID),
		)
		if err := s.fire(ctx, job, now); err != nil {
			s.logger.Error("recover trigger job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(job.ID)
	}
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
