package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"ArticleRelay/internal/app"
	"ArticleRelay/internal/config"
	"ArticleRelay/internal/logging"
)

type options struct {
	Config   string `long:"config" short:"c" env:"ARTICLE_RELAY_CONFIG" description:"Path to the YAML configuration file"`
	Once     bool   `long:"once" description:"Run a single ingestion tick and exit"`
	Migrate  bool   `long:"migrate" description:"Apply database migrations and exit"`
	LogLevel string `long:"log-level" description:"Override the configured log level"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	cfg := config.Load(opts.Config)
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.Migrate {
		cfg.Database.Migrate = true
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("application stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	if opts.Migrate && cfg.Database.DSN == "" {
		return errors.New("--migrate needs database.dsn")
	}

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	switch {
	case opts.Migrate:
		return nil
	case opts.Once:
		report, err := application.RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("tick finished",
			"created", report.Created,
			"duplicates", report.Duplicates,
			"dropped", report.Dropped,
			"requeued", report.Requeued,
			"fetch_errors", report.FetchErrors,
			"deferred", report.Deferred,
		)
		return nil
	}
	return application.Run(ctx)
}
