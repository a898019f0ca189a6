package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/metrics"
	"ArticleRelay/internal/ports"
)

// ErrTickInProgress is returned when a tick starts while another is running.
var ErrTickInProgress = errors.New("ingestion tick already running")

// IngestionDeps wires the driven adapters into the ingestion use case.
type IngestionDeps struct {
	Fetcher    ports.Fetcher
	Summarizer ports.Summarizer
	Articles   ports.ArticleRepository
	Watermarks ports.WatermarkRepository
	Sources    []domain.Source
	Config     config.IngestionConfig
	Logger     *slog.Logger
}

// TickReport summarizes one ingestion tick.
type TickReport struct {
	Created     int
	Duplicates  int
	Dropped     int
	Requeued    int
	FetchErrors int
	// Deferred counts candidates left for a later tick by the per-tick cap.
	Deferred int
}

// Ingestion turns new feed entries into draft articles.
type Ingestion struct {
	fetcher    ports.Fetcher
	summarizer ports.Summarizer
	articles   ports.ArticleRepository
	watermarks ports.WatermarkRepository
	dedup      *Deduplicator
	sources    []domain.Source
	cfg        config.IngestionConfig
	logger     *slog.Logger

	running atomic.Bool
	stage   atomic.Value

	sleep func(ctx context.Context, d time.Duration) error
}

// NewIngestion constructs the ingestion use case.
func NewIngestion(deps IngestionDeps) *Ingestion {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	in := &Ingestion{
		fetcher:    deps.Fetcher,
		summarizer: deps.Summarizer,
		articles:   deps.Articles,
		watermarks: deps.Watermarks,
		dedup:      NewDeduplicator(deps.Articles),
		sources:    slices.Clone(deps.Sources),
		cfg:        deps.Config,
		logger:     logger,
		sleep:      sleepContext,
	}
	in.stage.Store(domain.StageIdle)
	return in
}

// State reports the stage of the tick in progress, or idle.
func (in *Ingestion) State() domain.IngestionStage {
	return in.stage.Load().(domain.IngestionStage)
}

func (in *Ingestion) setStage(stage domain.IngestionStage) {
	in.stage.Store(stage)
}

// Tick processes every configured source once. Component failures are
// logged and counted, never returned; the only error is ErrTickInProgress.
func (in *Ingestion) Tick(ctx context.Context) (TickReport, error) {
	if !in.running.CompareAndSwap(false, true) {
		metrics.TicksSkipped.Inc()
		return TickReport{}, ErrTickInProgress
	}
	defer in.running.Store(false)
	defer in.setStage(domain.StageIdle)

	started := time.Now()
	defer metrics.RecordTick(started)

	var report TickReport
	budget := in.cfg.MaxItemsPerTick
	for _, src := range in.sources {
		if ctx.Err() != nil {
			in.logger.Info("ingestion tick cancelled", "source", src.Name)
			break
		}
		if budget <= 0 {
			in.logger.Info("per-tick item cap reached", "next_source", src.Name)
			break
		}
		in.ingestSource(ctx, src, &budget, &report)
	}

	in.logger.Info("ingestion tick finished",
		"created", report.Created,
		"duplicates", report.Duplicates,
		"dropped", report.Dropped,
		"requeued", report.Requeued,
		"deferred", report.Deferred,
		"fetch_errors", report.FetchErrors,
		"duration", time.Since(started),
	)
	return report, nil
}

func (in *Ingestion) ingestSource(ctx context.Context, src domain.Source, budget *int, report *TickReport) {
	log := in.logger.With("source", src.Name)

	wm, err := in.watermarks.GetWatermark(ctx, src.Name)
	if err != nil {
		log.Error("load watermark", "stage", domain.StageFetching, "error", err)
		return
	}

	in.setStage(domain.StageFetching)
	seq, err := in.fetcher.Fetch(ctx, src)
	if err != nil {
		report.FetchErrors++
		metrics.FetchErrors.WithLabelValues(src.Name).Inc()
		log.Warn("fetch failed", "stage", domain.StageFetching, "error", err)
		return
	}

	var candidates []domain.IngestedItem
	for item := range seq {
		if wm.Covers(item) {
			break
		}
		candidates = append(candidates, item)
	}
	// Oldest first, so the cursor can advance after every item.
	slices.Reverse(candidates)

	for i, item := range candidates {
		if *budget <= 0 {
			report.Deferred += len(candidates) - i
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !in.ingestItem(ctx, log, item, budget, report) {
			return
		}
	}
}

// ingestItem returns false when the source should stop for this tick.
func (in *Ingestion) ingestItem(ctx context.Context, log *slog.Logger, item domain.IngestedItem, budget *int, report *TickReport) bool {
	log = log.With("item", item.ExternalID)
	item.URL = NormalizeURL(item.URL)

	in.setStage(domain.StageDeduping)
	isNew, err := in.dedup.IsNew(ctx, item)
	if err != nil {
		log.Error("dedup lookup failed", "stage", domain.StageDeduping, "error", err)
		in.requeue(report, item)
		return false
	}
	if !isNew {
		report.Duplicates++
		metrics.RecordItem(item.Source, "duplicate")
		log.Debug("skipping known entry", "url", item.URL)
		in.advance(ctx, log, item)
		return true
	}

	in.setStage(domain.StageSummarizing)
	*budget--
	draft, err := in.summarize(ctx, log, item)
	if err != nil {
		if domain.SummarizationKindOf(err) == domain.Malformed {
			report.Dropped++
			metrics.RecordItem(item.Source, "dropped")
			log.Warn("dropping entry with malformed summary", "stage", domain.StageSummarizing, "error", err)
			in.advance(ctx, log, item)
			return true
		}
		log.Warn("summarizer unavailable, requeueing", "stage", domain.StageSummarizing, "error", err)
		in.requeue(report, item)
		return false
	}

	in.setStage(domain.StagePersisting)
	persistCtx, cancel := detach(ctx, in.cfg.PersistTimeout)
	defer cancel()
	id, created, err := in.articles.CreateDraft(persistCtx, item, draft)
	if err != nil {
		log.Error("persist draft", "stage", domain.StagePersisting, "error", err)
		in.requeue(report, item)
		return false
	}
	if created {
		report.Created++
		metrics.RecordItem(item.Source, "created")
		log.Info("draft created", "article_id", id, "title", draft.Title)
	} else {
		report.Duplicates++
		metrics.RecordItem(item.Source, "duplicate")
	}
	in.advance(persistCtx, log, item)
	return true
}

func (in *Ingestion) requeue(report *TickReport, item domain.IngestedItem) {
	report.Requeued++
	metrics.RecordItem(item.Source, "requeued")
}

// advance moves the cursor to the item. Undated items leave it alone.
func (in *Ingestion) advance(ctx context.Context, log *slog.Logger, item domain.IngestedItem) {
	if item.PublishedAt.IsZero() {
		return
	}
	advCtx, cancel := detach(ctx, in.cfg.PersistTimeout)
	defer cancel()
	err := in.watermarks.AdvanceWatermark(advCtx, domain.Watermark{
		Source:      item.Source,
		PublishedAt: item.PublishedAt,
		ExternalID:  item.ExternalID,
	})
	if err != nil {
		log.Error("advance watermark", "stage", domain.StagePersisting, "error", err)
	}
}

// summarize retries rate-limited calls with capped exponential backoff.
func (in *Ingestion) summarize(ctx context.Context, log *slog.Logger, item domain.IngestedItem) (domain.Draft, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Draft{}, &domain.SummarizationError{Kind: domain.Unavailable, Err: err}
		}

		callCtx, cancel := detach(ctx, in.cfg.SummarizeTimeout)
		draft, err := in.summarizer.Summarize(callCtx, item)
		cancel()
		if err == nil {
			metrics.SummarizerCalls.WithLabelValues("ok").Inc()
			return draft, nil
		}

		var sErr *domain.SummarizationError
		if !errors.As(err, &sErr) {
			sErr = &domain.SummarizationError{Kind: domain.Unavailable, Err: err}
		}
		metrics.SummarizerCalls.WithLabelValues(string(sErr.Kind)).Inc()
		if sErr.Kind != domain.RateLimited {
			return domain.Draft{}, sErr
		}
		if attempt >= in.cfg.MaxRetries {
			return domain.Draft{}, &domain.SummarizationError{
				Kind: domain.Unavailable,
				Err:  fmt.Errorf("rate limited after %d attempts: %w", attempt+1, sErr),
			}
		}

		delay := in.backoff(attempt, sErr.RetryAfter)
		log.Info("summarizer rate limited, backing off", "attempt", attempt+1, "delay", delay)
		if err := in.sleep(ctx, delay); err != nil {
			return domain.Draft{}, &domain.SummarizationError{Kind: domain.Unavailable, Err: err}
		}
	}
}

// backoff doubles the base delay per attempt, never waits less than the
// provider's Retry-After and never more than the configured maximum.
func (in *Ingestion) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := in.cfg.RetryBaseDelay
	for range attempt {
		delay *= 2
		if in.cfg.RetryMaxDelay > 0 && delay >= in.cfg.RetryMaxDelay {
			break
		}
	}
	delay = max(delay, retryAfter)
	if in.cfg.RetryMaxDelay > 0 {
		delay = min(delay, in.cfg.RetryMaxDelay)
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
