package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/metrics"
	"ArticleRelay/internal/platform"
	"ArticleRelay/internal/ports"
)

const (
	cancelledMessage = "distribution cancelled"
	recordTimeout    = 10 * time.Second
)

// DistributionDeps wires the share fan-out.
type DistributionDeps struct {
	Articles    ports.ArticleRepository
	Shares      ports.ShareRepository
	Connections ports.ConnectionRepository
	Credentials *CredentialStore
	Registry    *platform.Registry
	Config      config.DistributionConfig
	Logger      *slog.Logger
}

// Distributor publishes articles to every linked platform and records one
// share record per (article, platform).
type Distributor struct {
	articles    ports.ArticleRepository
	shares      ports.ShareRepository
	connections ports.ConnectionRepository
	credentials *CredentialStore
	registry    *platform.Registry
	cfg         config.DistributionConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewDistributor(deps DistributionDeps) *Distributor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Distributor{
		articles:    deps.Articles,
		shares:      deps.Shares,
		connections: deps.Connections,
		credentials: deps.Credentials,
		registry:    deps.Registry,
		cfg:         deps.Config,
		logger:      logger,
		now:         time.Now,
	}
}

// Publish shares the article on the given platforms, or on every active
// connection when none are named. Platforms run concurrently and one
// failure never stops another; the result has an entry per target.
func (d *Distributor) Publish(ctx context.Context, articleID string, platforms ...domain.Platform) (map[domain.Platform]domain.ShareRecord, error) {
	article, err := d.articles.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}

	targets, err := d.targets(ctx, platforms)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = make(map[domain.Platform]domain.ShareRecord, len(targets))
		g       errgroup.Group
	)
	for _, p := range targets {
		g.Go(func() error {
			rec := d.dispatch(ctx, article, p)
			mu.Lock()
			results[p] = rec
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (d *Distributor) targets(ctx context.Context, platforms []domain.Platform) ([]domain.Platform, error) {
	if len(platforms) > 0 {
		out := slices.Clone(platforms)
		slices.Sort(out)
		return slices.Compact(out), nil
	}
	conns, err := d.connections.ActiveConnections(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Platform, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Platform)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// dispatch runs the per-platform state machine for one article.
func (d *Distributor) dispatch(ctx context.Context, article domain.Article, p domain.Platform) domain.ShareRecord {
	log := d.logger.With("article_id", article.ID, "platform", p)

	claimCtx, cancel := detach(ctx, recordTimeout)
	rec, claimed, err := d.shares.ClaimShare(claimCtx, article.ID, p, d.now().UTC(), d.cfg.StaleAfter)
	cancel()
	if err != nil {
		log.Error("claim share", "error", err)
		return domain.ShareRecord{ArticleID: article.ID, Platform: p, Status: domain.ShareFailed, Error: err.Error()}
	}
	if !claimed {
		log.Debug("share not claimable", "status", rec.Status)
		return rec
	}

	if !article.Published {
		return d.complete(ctx, log, rec, domain.ShareOutcome{Status: domain.ShareSkipped, Error: domain.SkipNotPublished})
	}
	if ctx.Err() != nil {
		return d.complete(ctx, log, rec, domain.ShareOutcome{Status: domain.ShareFailed, Error: cancelledMessage})
	}

	adapter, err := d.registry.Resolve(p)
	if err != nil {
		return d.complete(ctx, log, rec, domain.ShareOutcome{Status: domain.ShareSkipped, Error: domain.SkipNotConnected})
	}
	conn, cred, err := d.credentials.GetActive(ctx, p)
	if errors.Is(err, domain.ErrNotConnected) {
		return d.complete(ctx, log, rec, domain.ShareOutcome{Status: domain.ShareSkipped, Error: domain.SkipNotConnected})
	}
	if err != nil {
		return d.complete(ctx, log, rec, domain.ShareOutcome{Status: domain.ShareFailed, Error: err.Error()})
	}

	cred, err = d.credentials.RefreshIfExpired(ctx, conn, cred)
	var expired *domain.CredentialExpiredError
	if errors.As(err, &expired) {
		return d.complete(ctx, log, rec, domain.ShareOutcome{Status: domain.ShareSkipped, Error: domain.SkipCredentialExpired})
	}
	if err != nil {
		return d.complete(ctx, log, rec, domain.ShareOutcome{Status: domain.ShareFailed, Error: err.Error()})
	}
	if ctx.Err() != nil {
		return d.complete(ctx, log, rec, domain.ShareOutcome{Status: domain.ShareFailed, Error: cancelledMessage})
	}

	payload := adapter.FormatPayload(article, d.link(article))
	publishCtx, cancel := detach(ctx, d.cfg.PublishTimeout)
	result, err := adapter.Publish(publishCtx, cred, conn.AccountID, payload)
	cancel()
	if err != nil {
		log.Warn("publish failed", "error", err)
		return d.complete(ctx, log, rec, domain.ShareOutcome{Status: domain.ShareFailed, Error: providerMessage(err)})
	}

	touchCtx, cancel := detach(ctx, recordTimeout)
	if err := d.credentials.Touch(touchCtx, conn); err != nil {
		log.Warn("touch connection", "error", err)
	}
	cancel()
	return d.complete(ctx, log, rec, domain.ShareOutcome{
		Status:      domain.SharePublished,
		ExternalID:  result.ExternalID,
		ExternalURL: result.URL,
	})
}

// complete persists the outcome. When the write fails the outcome is still
// returned so the caller sees it; the record stays PENDING until it goes
// stale and can be claimed again.
func (d *Distributor) complete(ctx context.Context, log *slog.Logger, rec domain.ShareRecord, outcome domain.ShareOutcome) domain.ShareRecord {
	outcome.At = d.now().UTC()
	metrics.RecordShare(string(rec.Platform), string(outcome.Status))

	writeCtx, cancel := detach(ctx, recordTimeout)
	defer cancel()
	stored, err := d.shares.CompleteShare(writeCtx, rec.ID, outcome)
	if err != nil {
		log.Error("record share outcome", "status", outcome.Status, "error", err)
		rec.Status = outcome.Status
		rec.ExternalID = outcome.ExternalID
		rec.ExternalURL = outcome.ExternalURL
		rec.Error = outcome.Error
		rec.UpdatedAt = outcome.At
		return rec
	}
	log.Info("share recorded", "status", stored.Status, "external_url", stored.ExternalURL, "error_message", stored.Error)
	return stored
}

// providerMessage prefers the platform's own wording over wrapped context.
func providerMessage(err error) string {
	var pErr *domain.PublishError
	if errors.As(err, &pErr) {
		return pErr.Error()
	}
	return err.Error()
}

func (d *Distributor) link(article domain.Article) string {
	return strings.NewReplacer("{slug}", article.Slug, "{id}", article.ID).Replace(d.cfg.ArticleURL)
}

// OnArticlePublished is the publish hook of the article store. Articles
// that opted out of sharing are left alone.
func (d *Distributor) OnArticlePublished(ctx context.Context, articleID string) (map[domain.Platform]domain.ShareRecord, error) {
	article, err := d.articles.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if !article.ShareOnPublish {
		d.logger.Debug("article not shared on publish", "article_id", articleID)
		return map[domain.Platform]domain.ShareRecord{}, nil
	}
	return d.Publish(ctx, articleID)
}

// RetryFailed re-dispatches FAILED records below the attempt limit, grouped
// by article, and reports how many records were retried.
func (d *Distributor) RetryFailed(ctx context.Context) (int, error) {
	records, err := d.shares.ListRetryable(ctx, d.cfg.MaxAttempts, d.cfg.RetryBatch)
	if err != nil {
		return 0, err
	}

	byArticle := map[string][]domain.Platform{}
	var order []string
	for _, rec := range records {
		if _, ok := byArticle[rec.ArticleID]; !ok {
			order = append(order, rec.ArticleID)
		}
		byArticle[rec.ArticleID] = append(byArticle[rec.ArticleID], rec.Platform)
	}

	retried := 0
	for _, articleID := range order {
		if ctx.Err() != nil {
			break
		}
		results, err := d.Publish(ctx, articleID, byArticle[articleID]...)
		if err != nil {
			d.logger.Error("retry shares", "article_id", articleID, "error", err)
			continue
		}
		retried += len(results)
	}
	if retried > 0 {
		d.logger.Info("failed shares retried", "count", retried)
	}
	return retried, nil
}

// Shares lists the share records of an article.
func (d *Distributor) Shares(ctx context.Context, articleID string) ([]domain.ShareRecord, error) {
	return d.shares.ListShares(ctx, articleID)
}

// History lists the transitions of one share record.
func (d *Distributor) History(ctx context.Context, shareID string) ([]domain.ShareEvent, error) {
	return d.shares.ListShareEvents(ctx, shareID)
}
