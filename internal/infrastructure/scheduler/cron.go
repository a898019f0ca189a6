package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ArticleRelay/internal/ports"
)

// CronScheduler runs named jobs on cron expressions. A job whose previous
// run has not finished is skipped rather than queued.
type CronScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	running bool
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler builds a scheduler evaluating expressions in loc.
func NewCronScheduler(loc *time.Location, log *slog.Logger) *CronScheduler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	adapter := cronLogger{log}
	return &CronScheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: log,
		ctx:    context.Background(),
	}
}

// Schedule registers job under name. The job receives the context passed
// to Start.
func (c *CronScheduler) Schedule(name, spec string, job func(context.Context)) error {
	if job == nil {
		return fmt.Errorf("schedule %s: nil job", name)
	}
	_, err := c.cron.AddFunc(spec, func() {
		ctx := c.baseContext()
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		c.logger.Debug("job started", "job", name)
		job(ctx)
		c.logger.Debug("job finished", "job", name, "duration", time.Since(started))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	c.logger.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

// Start begins dispatching; calling it twice is a no-op.
func (c *CronScheduler) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.ctx = ctx
	c.running = true
	c.cron.Start()
	return nil
}

// Stop prevents new runs and waits for running jobs or ctx, whichever ends
// first.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	done := c.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

func (c *CronScheduler) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
