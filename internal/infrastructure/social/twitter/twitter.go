package twitter

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/infrastructure/social"
	"ArticleRelay/internal/platform"
)

const (
	defaultAPIBase   = "https://api.twitter.com"
	defaultAuthURL   = "https://twitter.com/i/oauth2/authorize"
	defaultTokenURL  = "https://api.twitter.com/2/oauth2/token"
	statusURLPattern = "https://x.com/i/web/status/%s"
)

var limits = platform.Limits{MaxChars: 280, MaxHashtags: 2, LinkInText: true, LinkWeight: 23}

// Config holds the OAuth client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	APIBase      string
	AuthURL      string
	TokenURL     string
}

// Adapter publishes posts through the X API v2.
type Adapter struct {
	oauth   *oauth2.Config
	client  *social.Client
	apiBase string
}

var (
	_ platform.Adapter    = (*Adapter)(nil)
	_ platform.Refresher  = (*Adapter)(nil)
	_ platform.Authorizer = (*Adapter)(nil)
)

// New wires the adapter; empty endpoints fall back to production URLs.
func New(cfg Config, httpClient *http.Client) *Adapter {
	return &Adapter{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   social.OrDefault(cfg.AuthURL, defaultAuthURL),
				TokenURL:  social.OrDefault(cfg.TokenURL, defaultTokenURL),
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		client:  social.NewClient(domain.PlatformTwitter, httpClient, "ArticleRelay/1.0"),
		apiBase: strings.TrimSuffix(social.OrDefault(cfg.APIBase, defaultAPIBase), "/"),
	}
}

// Platform identifies the adapter inside the registry.
func (a *Adapter) Platform() domain.Platform {
	return domain.PlatformTwitter
}

// FormatPayload fits the article into a single post.
func (a *Adapter) FormatPayload(article domain.Article, link string) domain.Payload {
	return platform.Compose(article, link, limits)
}

// Publish creates the post on behalf of the connected user.
func (a *Adapter) Publish(ctx context.Context, cred domain.Credential, _ string, payload domain.Payload) (domain.PublishResult, error) {
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	body := map[string]string{"text": payload.Text}
	if _, err := a.client.Call(ctx, http.MethodPost, a.apiBase+"/2/tweets", cred.AccessToken, body, &resp, nil); err != nil {
		return domain.PublishResult{}, err
	}
	if resp.Data.ID == "" {
		return domain.PublishResult{}, &domain.PublishError{Platform: domain.PlatformTwitter, Message: "response carried no post id"}
	}
	return domain.PublishResult{
		ExternalID: resp.Data.ID,
		URL:        fmt.Sprintf(statusURLPattern, resp.Data.ID),
	}, nil
}

// Refresh exchanges the refresh token; X rotates refresh tokens on use.
func (a *Adapter) Refresh(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	return a.client.Refresh(ctx, a.oauth, cred)
}

// AuthCodeURL builds the PKCE authorization redirect.
func (a *Adapter) AuthCodeURL(state, verifier string) string {
	return a.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange completes the OAuth flow and resolves the connected account.
func (a *Adapter) Exchange(ctx context.Context, code, verifier string) (domain.Credential, domain.Account, error) {
	cred, err := a.client.Exchange(ctx, a.oauth, code, verifier)
	if err != nil {
		return domain.Credential{}, domain.Account{}, err
	}

	var me struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if _, err := a.client.Call(ctx, http.MethodGet, a.apiBase+"/2/users/me", cred.AccessToken, nil, &me, nil); err != nil {
		return domain.Credential{}, domain.Account{}, fmt.Errorf("resolve account: %w", err)
	}
	cred.Subject = me.Data.Username
	return cred, domain.Account{ID: me.Data.ID, Handle: "@" + me.Data.Username}, nil
}
