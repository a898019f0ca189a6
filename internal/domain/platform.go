package domain

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Platform identifies an external social network the relay can publish to.
type Platform string

const (
	PlatformTwitter  Platform = "twitter"
	PlatformLinkedIn Platform = "linkedin"
	PlatformMastodon Platform = "mastodon"
	PlatformBluesky  Platform = "bluesky"
	PlatformTelegram Platform = "telegram"
)

// Platforms lists every supported platform in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformTwitter, PlatformLinkedIn, PlatformMastodon, PlatformBluesky, PlatformTelegram}
}

// ParsePlatform maps user input onto the closed platform set.
func ParsePlatform(value string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Platforms() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, value)
}

// Connection links one external account to the relay.
type Connection struct {
	ID           string
	Platform     Platform
	AccountID    string
	Handle       string
	Active       bool
	CredentialID string
	ConnectedAt  time.Time
	LastUsedAt   time.Time
}

// Account is the identity an adapter resolves while connecting.
type Account struct {
	ID     string
	Handle string
}

// CredentialKind distinguishes how a credential was obtained.
type CredentialKind string

const (
	CredentialOAuth2      CredentialKind = "oauth2"
	CredentialAppPassword CredentialKind = "app_password"
	CredentialBotToken    CredentialKind = "bot_token"
)

// Credential is secret material owned by exactly one connection.
type Credential struct {
	ID           string
	Kind         CredentialKind
	Subject      string
	AccessToken  string
	RefreshToken string
	Secret       string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// ExpiresWithin reports whether the credential is unusable after skew.
// A zero expiry never expires.
func (c Credential) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// LogValue keeps token material out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("kind", string(c.Kind)),
		slog.String("subject", c.Subject),
		slog.Bool("has_refresh_token", c.RefreshToken != ""),
		slog.Time("expires_at", c.ExpiresAt),
	)
}

// Payload is the platform-specific rendering of an article.
type Payload struct {
	Text     string
	Link     string
	Title    string
	Hashtags []string
}

// PublishResult identifies the post created on the platform.
type PublishResult struct {
	ExternalID string
	URL        string
}
