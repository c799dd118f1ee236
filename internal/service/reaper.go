package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mixdown/renderd/config"
	"github.com/mixdown/renderd/internal/core"
	"github.com/mixdown/renderd/internal/domain/model"
	"github.com/mixdown/renderd/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Jobs         core.JobRepository   // Required: job repository
	Orchestrator *OrchestratorService // Required: owns the resolve/refund funnel
	Config       config.ReaperConfig  // Required: reaper configuration
	Logger       *slog.Logger         // Optional: structured logger
	Metrics      statsd.Sink          // Optional: metrics sink (StatsD-compatible)
}

// ReaperService provides periodic cleanup.
//
// This service manages:
// - Failing orphaned processing jobs whose renderer process is gone
//   (e.g. after an orchestrator restart), refunding them through the
//   orchestrator's resolve funnel.
// - Deleting old terminal jobs and their logs to prevent database bloat.
type ReaperService struct {
	jobs         core.JobRepository
	orchestrator *OrchestratorService
	config       config.ReaperConfig
	logger       *slog.Logger
	metrics      statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("OrchestratorService is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"orphan_grace", opts.Config.OrphanGrace,
			"completed_max_age", opts.Config.CompletedMaxAge,
			"failed_max_age", opts.Config.FailedMaxAge,
			"cancelled_max_age", opts.Config.CancelledMaxAge,
		)
	}

	return &ReaperService{
		jobs:         opts.Jobs,
		orchestrator: opts.Orchestrator,
		config:       opts.Config,
		logger:       logger,
		metrics:      opts.Metrics,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
func MustNewReaperService(opts ReaperServiceOptions) *ReaperService {
	svc, err := NewReaperService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create ReaperService: %v", err))
	}
	return svc
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Jitter prevents a thundering herd when multiple instances start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(ctx, err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(ctx, err, "cleanup")
			}
		}
	}
}

// RunOnce performs a single cleanup pass.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	start := time.Now()
	var errs []error

	orphaned, err := s.failOrphanedJobs(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("fail orphaned jobs: %w", err))
	}

	retention := []struct {
		status model.JobStatus
		maxAge time.Duration
	}{
		{model.JobStatusCompleted, s.config.CompletedMaxAge},
		{model.JobStatusFailed, s.config.FailedMaxAge},
		{model.JobStatusCancelled, s.config.CancelledMaxAge},
	}

	var deleted int64
	for _, r := range retention {
		if r.maxAge <= 0 {
			continue
		}
		count, delErr := s.deleteOldJobs(ctx, r.status, r.maxAge)
		deleted += count
		if delErr != nil {
			errs = append(errs, fmt.Errorf("delete old %s jobs: %w", r.status, delErr))
		}
	}

	if s.metrics != nil {
		s.metrics.Count("reaper.orphaned", orphaned, nil)
		s.metrics.Count("reaper.deleted", deleted, nil)
		s.metrics.Timing("reaper.pass_duration", time.Since(start), nil)
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if errors.Is(joined, context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}
	return nil
}

// failOrphanedJobs resolves processing jobs whose renderer process is not
// supervised by this instance and whose start is past the grace window.
func (s *ReaperService) failOrphanedJobs(ctx context.Context) (int64, error) {
	jobs, err := s.jobs.ListProcessing(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.config.OrphanGrace)
	var count int64
	for _, job := range jobs {
		if s.orchestrator.Supervised(job.ID) {
			continue
		}
		startedAt := job.UpdatedAt
		if job.StartedAt != nil {
			startedAt = *job.StartedAt
		}
		if startedAt.After(cutoff) {
			continue
		}

		won, resolveErr := s.orchestrator.FailOrphan(ctx, job)
		if resolveErr != nil {
			return count, resolveErr
		}
		if won {
			count++
			if s.logger != nil {
				s.logger.InfoContext(ctx, "orphaned job failed",
					"job_id", job.ID,
					"owner_id", job.OwnerID,
					"started_at", startedAt,
				)
			}
		}
	}
	return count, nil
}

// deleteOldJobs loops batched deletes until no rows remain for the status.
func (s *ReaperService) deleteOldJobs(ctx context.Context, status model.JobStatus, maxAge time.Duration) (int64, error) {
	var total int64
	for {
		count, err := s.jobs.DeleteOldTerminal(ctx, core.DeleteOldTerminalParams{
			Status:    status,
			MaxAge:    maxAge,
			BatchSize: s.config.BatchSize,
		})
		total += count
		if err != nil {
			return total, err
		}
		if count == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) logCleanupError(ctx context.Context, err error, label string) {
	if s.logger == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}
