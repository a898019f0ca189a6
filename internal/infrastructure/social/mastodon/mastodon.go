package mastodon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/infrastructure/social"
	"ArticleRelay/internal/platform"
)

// Mastodon counts every URL as 23 characters regardless of length.
var limits = platform.Limits{MaxChars: 500, MaxHashtags: 4, LinkInText: true, LinkWeight: 23}

// Config holds the instance and its app registration.
type Config struct {
	InstanceURL  string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Visibility   string
}

// Adapter posts statuses to a single Mastodon instance. Instance tokens do
// not expire, so there is no refresh support.
type Adapter struct {
	oauth      *oauth2.Config
	client     *social.Client
	base       string
	visibility string
}

var (
	_ platform.Adapter    = (*Adapter)(nil)
	_ platform.Authorizer = (*Adapter)(nil)
)

func New(cfg Config, httpClient *http.Client) *Adapter {
	base := strings.TrimSuffix(cfg.InstanceURL, "/")
	return &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:accounts", "write:statuses"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth/authorize",
				TokenURL:  base + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client:     social.NewClient(domain.PlatformMastodon, httpClient, "ArticleRelay/1.0"),
		base:       base,
		visibility: social.OrDefault(cfg.Visibility, "public"),
	}
}

func (a *Adapter) Platform() domain.Platform {
	return domain.PlatformMastodon
}

func (a *Adapter) FormatPayload(article domain.Article, link string) domain.Payload {
	return platform.Compose(article, link, limits)
}

// Publish posts a status. The Idempotency-Key lets the instance collapse a
// resubmission of the same text.
func (a *Adapter) Publish(ctx context.Context, cred domain.Credential, _ string, payload domain.Payload) (domain.PublishResult, error) {
	sum := sha256.Sum256([]byte(payload.Text))
	headers := map[string]string{"Idempotency-Key": hex.EncodeToString(sum[:16])}

	var status struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	body := map[string]string{"status": payload.Text, "visibility": a.visibility}
	if _, err := a.client.Call(ctx, http.MethodPost, a.base+"/api/v1/statuses", cred.AccessToken, body, &status, headers); err != nil {
		return domain.PublishResult{}, err
	}
	if status.ID == "" {
		return domain.PublishResult{}, &domain.PublishError{Platform: domain.PlatformMastodon, Message: "response carried no status id"}
	}
	return domain.PublishResult{ExternalID: status.ID, URL: status.URL}, nil
}

func (a *Adapter) AuthCodeURL(state, _ string) string {
	return a.oauth.AuthCodeURL(state)
}

func (a *Adapter) Exchange(ctx context.Context, code, _ string) (domain.Credential, domain.Account, error) {
	cred, err := a.client.Exchange(ctx, a.oauth, code, "")
	if err != nil {
		return domain.Credential{}, domain.Account{}, err
	}

	var acct struct {
		ID   string `json:"id"`
		Acct string `json:"acct"`
	}
	endpoint := a.base + "/api/v1/accounts/verify_credentials"
	if _, err := a.client.Call(ctx, http.MethodGet, endpoint, cred.AccessToken, nil, &acct, nil); err != nil {
		return domain.Credential{}, domain.Account{}, fmt.Errorf("resolve account: %w", err)
	}
	cred.Subject = acct.Acct
	return cred, domain.Account{ID: acct.ID, Handle: "@" + acct.Acct}, nil
}
