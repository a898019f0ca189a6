package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"

	configPathEnv          = "ARTICLE_RELAY_CONFIG"
	databaseDSNEnv         = "DATABASE_DSN"
	logLevelEnv            = "LOG_LEVEL"
	httpAddrEnv            = "HTTP_ADDR"
	schedulerEnabledEnv    = "SCHEDULER_ENABLED"
	summarizerAPIKeyEnv    = "SUMMARIZER_API_KEY"
	openAIAPIKeyEnv        = "OPENAI_API_KEY"
	summarizerModelEnv     = "SUMMARIZER_MODEL"
	twitterClientIDEnv     = "TWITTER_CLIENT_ID"
	twitterSecretEnv       = "TWITTER_CLIENT_SECRET"
	linkedInClientIDEnv    = "LINKEDIN_CLIENT_ID"
	linkedInSecretEnv      = "LINKEDIN_CLIENT_SECRET"
	mastodonInstanceEnv    = "MASTODON_INSTANCE_URL"
	mastodonClientIDEnv    = "MASTODON_CLIENT_ID"
	mastodonSecretEnv      = "MASTODON_CLIENT_SECRET"
	telegramAPIEndpointEnv = "TELEGRAM_API_ENDPOINT"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Database     DatabaseConfig     `yaml:"database"`
	HTTP         HTTPConfig         `yaml:"http"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Ingestion    IngestionConfig    `yaml:"ingestion"`
	Summarizer   SummarizerConfig   `yaml:"summarizer"`
	Distribution DistributionConfig `yaml:"distribution"`
	Platforms    PlatformsConfig    `yaml:"platforms"`
	Sources      []SourceConfig     `yaml:"sources"`
}

// LoggingConfig selects level and handler format (text or json).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes Postgres connection details. An empty DSN runs
// the relay on in-memory storage.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
	Migrate  bool   `yaml:"migrate"`
}

// HTTPConfig configures the operational listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// PublicURL is the externally reachable base used for OAuth redirects.
	PublicURL string `yaml:"publicUrl"`
}

// SchedulerConfig defines when ingestion and share retries run.
type SchedulerConfig struct {
	// Enabled must be true on exactly one instance of a deployment.
	Enabled             *bool          `yaml:"enabled"`
	CronExpression      string         `yaml:"cronExpression"`
	RetryCronExpression string         `yaml:"retryCronExpression"`
	Timezone            string         `yaml:"timezone"`
	location            *time.Location `yaml:"-"`
}

// IsEnabled reports whether this process owns the background jobs.
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled != nil && *s.Enabled
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// IngestionConfig bounds the work done per tick.
type IngestionConfig struct {
	MaxItemsPerTick  int           `yaml:"maxItemsPerTick"`
	MaxRetries       int           `yaml:"maxRetries"`
	RetryBaseDelay   time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay    time.Duration `yaml:"retryMaxDelay"`
	FetchTimeout     time.Duration `yaml:"fetchTimeout"`
	SummarizeTimeout time.Duration `yaml:"summarizeTimeout"`
	PersistTimeout   time.Duration `yaml:"persistTimeout"`
	UserAgent        string        `yaml:"userAgent"`
	MinSummaryChars  int           `yaml:"minSummaryChars"`
}

// SummarizerConfig defines how to contact the chat completions API.
type SummarizerConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"apiKey"`
	SystemPrompt      string        `yaml:"systemPrompt"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	Timeout           time.Duration `yaml:"timeout"`
}

// DistributionConfig holds share fan-out limits.
type DistributionConfig struct {
	// ArticleURL is the public article link; "{slug}" and "{id}" are replaced.
	ArticleURL     string        `yaml:"articleUrl"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	RefreshTimeout time.Duration `yaml:"refreshTimeout"`
	RefreshSkew    time.Duration `yaml:"refreshSkew"`
	StaleAfter     time.Duration `yaml:"staleAfter"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	RetryBatch     int           `yaml:"retryBatch"`
}

// PlatformsConfig carries per-platform client registrations.
type PlatformsConfig struct {
	Twitter  OAuthAppConfig `yaml:"twitter"`
	LinkedIn OAuthAppConfig `yaml:"linkedin"`
	Mastodon MastodonConfig `yaml:"mastodon"`
	Bluesky  BlueskyConfig  `yaml:"bluesky"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// OAuthAppConfig is an OAuth client registration.
type OAuthAppConfig struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

// Configured reports whether the client id is present.
func (o OAuthAppConfig) Configured() bool {
	return o.ClientID != ""
}

// MastodonConfig binds the relay to one instance.
type MastodonConfig struct {
	OAuthAppConfig `yaml:",inline"`
	InstanceURL    string `yaml:"instanceUrl"`
	Visibility     string `yaml:"visibility"`
}

// BlueskyConfig points at a PDS.
type BlueskyConfig struct {
	PDSURL string `yaml:"pdsUrl"`
}

// TelegramConfig overrides the Bot API endpoint.
type TelegramConfig struct {
	APIEndpoint string `yaml:"apiEndpoint"`
}

// SourceConfig is one syndication feed.
type SourceConfig struct {
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	ExtractContent bool   `yaml:"extractContent"`
}

// Load reads YAML configuration (if present) and applies environment
// overrides. The explicit path wins over ARTICLE_RELAY_CONFIG.
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

// Validate rejects settings the relay cannot run with.
func (c Config) Validate() error {
	seen := map[string]struct{}{}
	for i, src := range c.Sources {
		if src.Name == "" || src.URL == "" {
			return fmt.Errorf("sources[%d]: name and url are required", i)
		}
		if _, ok := seen[src.Name]; ok {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}
	}
	if c.Ingestion.MaxItemsPerTick <= 0 {
		return fmt.Errorf("ingestion.maxItemsPerTick must be positive")
	}
	if c.Ingestion.MaxRetries < 0 {
		return fmt.Errorf("ingestion.maxRetries must not be negative")
	}
	if c.Distribution.MaxAttempts <= 0 {
		return fmt.Errorf("distribution.maxAttempts must be positive")
	}
	if c.Distribution.RetryBatch <= 0 {
		return fmt.Errorf("distribution.retryBatch must be positive")
	}
	if c.Platforms.Mastodon.Configured() && c.Platforms.Mastodon.InstanceURL == "" {
		return fmt.Errorf("platforms.mastodon.instanceUrl is required with a client id")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(httpAddrEnv); v != "" {
		c.HTTP.Addr = v
	}

	if v := os.Getenv(schedulerEnabledEnv); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.Enabled = &enabled
		} else {
			log.Printf("config: ignoring %s=%q: %v", schedulerEnabledEnv, v, err)
		}
	}

	if v := os.Getenv(openAIAPIKeyEnv); v != "" {
		c.Summarizer.APIKey = v
	}
	if v := os.Getenv(summarizerAPIKeyEnv); v != "" {
		c.Summarizer.APIKey = v
	}

	if v := os.Getenv(summarizerModelEnv); v != "" {
		c.Summarizer.Model = v
	}

	envString(&c.Platforms.Twitter.ClientID, twitterClientIDEnv)
	envString(&c.Platforms.Twitter.ClientSecret, twitterSecretEnv)
	envString(&c.Platforms.LinkedIn.ClientID, linkedInClientIDEnv)
	envString(&c.Platforms.LinkedIn.ClientSecret, linkedInSecretEnv)
	envString(&c.Platforms.Mastodon.InstanceURL, mastodonInstanceEnv)
	envString(&c.Platforms.Mastodon.ClientID, mastodonClientIDEnv)
	envString(&c.Platforms.Mastodon.ClientSecret, mastodonSecretEnv)
	envString(&c.Platforms.Telegram.APIEndpoint, telegramAPIEndpointEnv)
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func mergeConfig(base, override Config) Config {
	mergeString(&base.Logging.Level, override.Logging.Level)
	mergeString(&base.Logging.Format, override.Logging.Format)

	mergeString(&base.Database.DSN, override.Database.DSN)
	if override.Database.MaxConns > 0 {
		base.Database.MaxConns = override.Database.MaxConns
	}
	if override.Database.Migrate {
		base.Database.Migrate = true
	}

	mergeString(&base.HTTP.Addr, override.HTTP.Addr)
	mergeString(&base.HTTP.PublicURL, override.HTTP.PublicURL)

	if override.Scheduler.Enabled != nil {
		base.Scheduler.Enabled = override.Scheduler.Enabled
	}
	mergeString(&base.Scheduler.CronExpression, override.Scheduler.CronExpression)
	mergeString(&base.Scheduler.RetryCronExpression, override.Scheduler.RetryCronExpression)
	mergeString(&base.Scheduler.Timezone, override.Scheduler.Timezone)

	mergeInt(&base.Ingestion.MaxItemsPerTick, override.Ingestion.MaxItemsPerTick)
	mergeInt(&base.Ingestion.MaxRetries, override.Ingestion.MaxRetries)
	mergeDuration(&base.Ingestion.RetryBaseDelay, override.Ingestion.RetryBaseDelay)
	mergeDuration(&base.Ingestion.RetryMaxDelay, override.Ingestion.RetryMaxDelay)
	mergeDuration(&base.Ingestion.FetchTimeout, override.Ingestion.FetchTimeout)
	mergeDuration(&base.Ingestion.SummarizeTimeout, override.Ingestion.SummarizeTimeout)
	mergeDuration(&base.Ingestion.PersistTimeout, override.Ingestion.PersistTimeout)
	mergeString(&base.Ingestion.UserAgent, override.Ingestion.UserAgent)
	mergeInt(&base.Ingestion.MinSummaryChars, override.Ingestion.MinSummaryChars)

	mergeString(&base.Summarizer.Endpoint, override.Summarizer.Endpoint)
	mergeString(&base.Summarizer.Model, override.Summarizer.Model)
	mergeString(&base.Summarizer.APIKey, override.Summarizer.APIKey)
	mergeString(&base.Summarizer.SystemPrompt, override.Summarizer.SystemPrompt)
	mergeInt(&base.Summarizer.RequestsPerMinute, override.Summarizer.RequestsPerMinute)
	mergeDuration(&base.Summarizer.Timeout, override.Summarizer.Timeout)

	mergeString(&base.Distribution.ArticleURL, override.Distribution.ArticleURL)
	mergeDuration(&base.Distribution.PublishTimeout, override.Distribution.PublishTimeout)
	mergeDuration(&base.Distribution.RefreshTimeout, override.Distribution.RefreshTimeout)
	mergeDuration(&base.Distribution.RefreshSkew, override.Distribution.RefreshSkew)
	mergeDuration(&base.Distribution.StaleAfter, override.Distribution.StaleAfter)
	mergeInt(&base.Distribution.MaxAttempts, override.Distribution.MaxAttempts)
	mergeInt(&base.Distribution.RetryBatch, override.Distribution.RetryBatch)

	if override.Platforms.Twitter.Configured() {
		base.Platforms.Twitter = override.Platforms.Twitter
	}
	if override.Platforms.LinkedIn.Configured() {
		base.Platforms.LinkedIn = override.Platforms.LinkedIn
	}
	if override.Platforms.Mastodon.Configured() {
		base.Platforms.Mastodon = override.Platforms.Mastodon
	}
	mergeString(&base.Platforms.Bluesky.PDSURL, override.Platforms.Bluesky.PDSURL)
	mergeString(&base.Platforms.Telegram.APIEndpoint, override.Platforms.Telegram.APIEndpoint)

	if len(override.Sources) > 0 {
		base.Sources = override.Sources
	}

	return base
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	disabled := false
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{MaxConns: 8},
		HTTP:     HTTPConfig{Addr: ":8080", PublicURL: "http://localhost:8080"},
		Scheduler: SchedulerConfig{
			Enabled:             &disabled,
			CronExpression:      "*/15 * * * *",
			RetryCronExpression: "",
			Timezone:            defaultTimezone,
			location:            tz,
		},
		Ingestion: IngestionConfig{
			MaxItemsPerTick:  10,
			MaxRetries:       3,
			RetryBaseDelay:   2 * time.Second,
			RetryMaxDelay:    30 * time.Second,
			FetchTimeout:     20 * time.Second,
			SummarizeTimeout: 60 * time.Second,
			PersistTimeout:   10 * time.Second,
			UserAgent:        "ArticleRelay/1.0",
			MinSummaryChars:  280,
		},
		Summarizer: SummarizerConfig{
			Endpoint:          "https://api.openai.com/v1/chat/completions",
			Model:             "gpt-4o-mini",
			RequestsPerMinute: 20,
			Timeout:           60 * time.Second,
		},
		Distribution: DistributionConfig{
			ArticleURL:     "http://localhost:3000/articles/{slug}",
			PublishTimeout: 20 * time.Second,
			RefreshTimeout: 15 * time.Second,
			RefreshSkew:    2 * time.Minute,
			StaleAfter:     10 * time.Minute,
			MaxAttempts:    5,
			RetryBatch:     50,
		},
		Platforms: PlatformsConfig{
			Bluesky: BlueskyConfig{PDSURL: "https://bsky.social"},
		},
	}
}
