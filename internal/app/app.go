package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/httpapi"
	"ArticleRelay/internal/infrastructure/feed"
	"ArticleRelay/internal/infrastructure/llm"
	"ArticleRelay/internal/infrastructure/memstore"
	"ArticleRelay/internal/infrastructure/scheduler"
	"ArticleRelay/internal/infrastructure/social/bluesky"
	"ArticleRelay/internal/infrastructure/social/linkedin"
	"ArticleRelay/internal/infrastructure/social/mastodon"
	"ArticleRelay/internal/infrastructure/social/telegram"
	"ArticleRelay/internal/infrastructure/social/twitter"
	"ArticleRelay/internal/infrastructure/storage"
	"ArticleRelay/internal/logging"
	"ArticleRelay/internal/platform"
	"ArticleRelay/internal/ports"
	"ArticleRelay/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool

	Ingestion   *usecase.Ingestion
	Distributor *usecase.Distributor
	Credentials *usecase.CredentialStore
	Moderator   *usecase.Moderator
	scheduler   *usecase.Scheduler
	server      *httpapi.Server
}

// New builds the application. An empty database DSN runs on in-memory
// storage, which is only suitable for local runs.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	a := &Application{cfg: cfg, logger: baseLogger}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	registry := newRegistry(cfg)
	baseLogger.Info("platform adapters registered", "platforms", registry.Platforms())

	httpClient := &http.Client{Timeout: cfg.Ingestion.FetchTimeout}
	fetcher := feed.NewFetcher(
		httpClient,
		feed.NewReadabilityExtractor(httpClient, cfg.Ingestion.UserAgent),
		feed.Options{UserAgent: cfg.Ingestion.UserAgent, MinSummaryChars: cfg.Ingestion.MinSummaryChars},
		baseLogger.With("component", "fetcher"),
	)

	a.Ingestion = usecase.NewIngestion(usecase.IngestionDeps{
		Fetcher:    fetcher,
		Summarizer: llm.NewChatGPTSummarizer(cfg.Summarizer, nil),
		Articles:   store,
		Watermarks: store,
		Sources:    sources(cfg.Sources),
		Config:     cfg.Ingestion,
		Logger:     baseLogger.With("component", "ingestion"),
	})
	a.Credentials = usecase.NewCredentialStore(usecase.CredentialStoreDeps{
		Connections: store,
		Registry:    registry,
		Config:      cfg.Distribution,
		Logger:      baseLogger.With("component", "credentials"),
	})
	a.Distributor = usecase.NewDistributor(usecase.DistributionDeps{
		Articles:    store,
		Shares:      store,
		Connections: store,
		Credentials: a.Credentials,
		Registry:    registry,
		Config:      cfg.Distribution,
		Logger:      baseLogger.With("component", "distribution"),
	})
	a.Moderator = usecase.NewModerator(store, baseLogger.With("component", "moderation"))

	if cfg.Scheduler.IsEnabled() {
		driver := scheduler.NewCronScheduler(cfg.Scheduler.Location(), baseLogger.With("component", "cron"))
		a.scheduler = usecase.NewScheduler(driver, a.Ingestion, a.Distributor, cfg.Scheduler, baseLogger.With("component", "scheduler"))
	}
	a.server = httpapi.New(a.Distributor, a.Credentials, a.Moderator,
		strings.HasPrefix(cfg.HTTP.PublicURL, "https://"), baseLogger.With("component", "http"))
	return a, nil
}

func (a *Application) openStore(ctx context.Context) (ports.Store, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database configured, using in-memory storage")
		return memstore.New(), nil
	}

	pool, err := storage.Open(ctx, a.cfg.Database.DSN, a.cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.pool = pool

	if a.cfg.Database.Migrate {
		version, err := storage.Migrate(pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.logger.Info("database schema ready", "version", version)
	}
	return storage.NewPostgresRepository(pool), nil
}

func newRegistry(cfg config.Config) *platform.Registry {
	registry := platform.NewRegistry()
	httpClient := &http.Client{Timeout: cfg.Distribution.PublishTimeout}
	callback := func(p domain.Platform) string {
		return strings.TrimSuffix(cfg.HTTP.PublicURL, "/") + "/connections/" + string(p) + "/callback"
	}

	if tw := cfg.Platforms.Twitter; tw.Configured() {
		registry.Register(twitter.New(twitter.Config{
			ClientID:     tw.ClientID,
			ClientSecret: tw.ClientSecret,
			RedirectURL:  callback(domain.PlatformTwitter),
		}, httpClient))
	}
	if li := cfg.Platforms.LinkedIn; li.Configured() {
		registry.Register(linkedin.New(linkedin.Config{
			ClientID:     li.ClientID,
			ClientSecret: li.ClientSecret,
			RedirectURL:  callback(domain.PlatformLinkedIn),
		}, httpClient))
	}
	if m := cfg.Platforms.Mastodon; m.Configured() {
		registry.Register(mastodon.New(mastodon.Config{
			InstanceURL:  m.InstanceURL,
			ClientID:     m.ClientID,
			ClientSecret: m.ClientSecret,
			RedirectURL:  callback(domain.PlatformMastodon),
			Visibility:   m.Visibility,
		}, httpClient))
	}
	registry.Register(bluesky.New(bluesky.Config{PDSURL: cfg.Platforms.Bluesky.PDSURL}, httpClient))
	registry.Register(telegram.New(telegram.Config{APIEndpoint: cfg.Platforms.Telegram.APIEndpoint}, httpClient))
	return registry
}

func sources(cfgs []config.SourceConfig) []domain.Source {
	out := make([]domain.Source, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, domain.Source{Name: c.Name, URL: c.URL, ExtractContent: c.ExtractContent})
	}
	return out
}

// RunOnce performs a single ingestion tick and returns its report.
func (a *Application) RunOnce(ctx context.Context) (usecase.TickReport, error) {
	return a.Ingestion.Tick(ctx)
}

// Run serves HTTP and, on the instance that owns it, the scheduler until
// ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if a.scheduler != nil {
		if len(a.cfg.Sources) == 0 {
			a.logger.Warn("scheduler enabled without sources")
		}
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		a.logger.Info("scheduler disabled on this instance")
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Error("scheduler shutdown", "error", err)
		}
	}
	return runErr
}

// Close releases the database pool.
func (a *Application) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
