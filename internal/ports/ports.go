package ports

import (
	"context"
	"iter"
	"time"

	"ArticleRelay/internal/domain"
)

//go:generate mockgen -destination=mocks/ports_mock.go -package=mocks ArticleRelay/internal/ports Fetcher,Summarizer

// Fetcher pulls entries from one syndication source: undated entries first,
// then newest first.
type Fetcher interface {
	Fetch(ctx context.Context, source domain.Source) (iter.Seq[domain.IngestedItem], error)
}

// Summarizer turns a raw entry into a draft article.
type Summarizer interface {
	Summarize(ctx context.Context, item domain.IngestedItem) (domain.Draft, error)
}

// ArticleRepository is the boundary toward the CMS article store.
type ArticleRepository interface {
	GetArticle(ctx context.Context, id string) (domain.Article, error)
	ExistsBySourceURL(ctx context.Context, url string) (bool, error)
	// CreateDraft stores the draft and the ingested item atomically.
	// created is false when the source url was already ingested.
	CreateDraft(ctx context.Context, item domain.IngestedItem, draft domain.Draft) (id string, created bool, err error)
}

// WatermarkRepository persists per-source ingestion cursors.
type WatermarkRepository interface {
	GetWatermark(ctx context.Context, source string) (domain.Watermark, error)
	// AdvanceWatermark never moves a cursor backwards.
	AdvanceWatermark(ctx context.Context, wm domain.Watermark) error
}

// ConnectionRepository stores linked accounts and their credentials.
type ConnectionRepository interface {
	ActiveConnection(ctx context.Context, platform domain.Platform) (domain.Connection, error)
	ActiveConnections(ctx context.Context) ([]domain.Connection, error)
	// UpsertConnection deactivates any prior connection for the platform.
	UpsertConnection(ctx context.Context, conn domain.Connection, cred domain.Credential) (domain.Connection, error)
	DeactivatePlatform(ctx context.Context, platform domain.Platform) error
	DeactivateConnection(ctx context.Context, id string) error
	TouchConnection(ctx context.Context, id string, at time.Time) error
	Credential(ctx context.Context, id string) (domain.Credential, error)
	SaveCredential(ctx context.Context, cred domain.Credential) error
}

// ShareRepository keeps the per (article, platform) distribution state.
type ShareRepository interface {
	// ClaimShare moves the pair to PENDING unless it is PUBLISHED or a
	// PENDING claim younger than staleAfter exists. The current record is
	// returned either way.
	ClaimShare(ctx context.Context, articleID string, platform domain.Platform, now time.Time, staleAfter time.Duration) (domain.ShareRecord, bool, error)
	CompleteShare(ctx context.Context, shareID string, outcome domain.ShareOutcome) (domain.ShareRecord, error)
	ListShares(ctx context.Context, articleID string) ([]domain.ShareRecord, error)
	ListShareEvents(ctx context.Context, shareID string) ([]domain.ShareEvent, error)
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]domain.ShareRecord, error)
}

// SpamRuleRepository exposes the moderation blocklist.
type SpamRuleRepository interface {
	// ListSpamRules returns rules in creation order.
	ListSpamRules(ctx context.Context) ([]domain.SpamRule, error)
}

// Store groups every repository the core depends on.
type Store interface {
	ArticleRepository
	WatermarkRepository
	ConnectionRepository
	ShareRepository
	SpamRuleRepository
}

// Scheduler controls when recurring jobs execute.
type Scheduler interface {
	Schedule(name, spec string, job func(context.Context)) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
