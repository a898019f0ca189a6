package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/ports"
)

const (
	ingestionJob = "ingestion"
	retryJob     = "share-retry"
)

// Scheduler wires the cron-like driver with the background use cases.
type Scheduler struct {
	driver      ports.Scheduler
	ingestion   *Ingestion
	distributor *Distributor
	cfg         config.SchedulerConfig
	logger      *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring jobs.
func NewScheduler(driver ports.Scheduler, ingestion *Ingestion, distributor *Distributor, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{driver: driver, ingestion: ingestion, distributor: distributor, cfg: cfg, logger: logger}
}

// RunOnce executes a single ingestion tick, skipping it when another one is
// still running.
func (s *Scheduler) RunOnce(ctx context.Context) (TickReport, error) {
	report, err := s.ingestion.Tick(ctx)
	if errors.Is(err, ErrTickInProgress) {
		s.logger.Warn("ingestion tick skipped, previous tick still running")
	}
	return report, err
}

// Start registers the jobs with the driver and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.ingestion == nil {
		return nil
	}

	if err := s.driver.Schedule(ingestionJob, s.cfg.CronExpression, func(jobCtx context.Context) {
		_, _ = s.RunOnce(jobCtx)
	}); err != nil {
		return err
	}

	if s.cfg.RetryCronExpression != "" && s.distributor != nil {
		if err := s.driver.Schedule(retryJob, s.cfg.RetryCronExpression, func(jobCtx context.Context) {
			if _, err := s.distributor.RetryFailed(jobCtx); err != nil {
				s.logger.Error("share retry failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}

	s.logger.Info("scheduler started", "cron", s.cfg.CronExpression, "retry_cron", s.cfg.RetryCronExpression)
	return s.driver.Start(ctx)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
