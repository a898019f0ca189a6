package linkedin

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
	defaultAPIBase  = "https://api.linkedin.com"
	defaultAuthURL  = "https://www.linkedin.com/oauth/v2/authorization"
	defaultTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
	feedURLPattern  = "https://www.linkedin.com/feed/update/%s/"
)

// The link travels as an article attachment, so it is kept out of the text.
var limits = platform.Limits{MaxChars: 3000, MaxHashtags: 5}

// Config holds the OAuth client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	APIBase      string
	AuthURL      string
	TokenURL     string
}

// Adapter shares articles as member posts through the UGC API.
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
			Scopes:       []string{"openid", "profile", "w_member_social"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   social.OrDefault(cfg.AuthURL, defaultAuthURL),
				TokenURL:  social.OrDefault(cfg.TokenURL, defaultTokenURL),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client:  social.NewClient(domain.PlatformLinkedIn, httpClient, "ArticleRelay/1.0"),
		apiBase: strings.TrimSuffix(social.OrDefault(cfg.APIBase, defaultAPIBase), "/"),
	}
}

func (a *Adapter) Platform() domain.Platform {
	return domain.PlatformLinkedIn
}

func (a *Adapter) FormatPayload(article domain.Article, link string) domain.Payload {
	return platform.Compose(article, link, limits)
}

type ugcPost struct {
	Author          string            `json:"author"`
	LifecycleState  string            `json:"lifecycleState"`
	SpecificContent map[string]any    `json:"specificContent"`
	Visibility      map[string]string `json:"visibility"`
}

// Publish posts as the member identified by accountID.
func (a *Adapter) Publish(ctx context.Context, cred domain.Credential, accountID string, payload domain.Payload) (domain.PublishResult, error) {
	share := map[string]any{
		"shareCommentary":    map[string]string{"text": payload.Text},
		"shareMediaCategory": "NONE",
	}
	if payload.Link != "" {
		share["shareMediaCategory"] = "ARTICLE"
		share["media"] = []map[string]any{{
			"status":      "READY",
			"originalUrl": payload.Link,
			"title":       map[string]string{"text": payload.Title},
		}}
	}

	post := ugcPost{
		Author:          "urn:li:person:" + accountID,
		LifecycleState:  "PUBLISHED",
		SpecificContent: map[string]any{"com.linkedin.ugc.ShareContent": share},
		Visibility:      map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}

	var resp struct {
		ID string `json:"id"`
	}
	headers := map[string]string{"X-Restli-Protocol-Version": "2.0.0"}
	header, err := a.client.Call(ctx, http.MethodPost, a.apiBase+"/v2/ugcPosts", cred.AccessToken, post, &resp, headers)
	if err != nil {
		return domain.PublishResult{}, err
	}

	id := resp.ID
	if id == "" {
		id = header.Get("X-RestLi-Id")
	}
	if id == "" {
		return domain.PublishResult{}, &domain.PublishError{Platform: domain.PlatformLinkedIn, Message: "response carried no share urn"}
	}
	return domain.PublishResult{ExternalID: id, URL: fmt.Sprintf(feedURLPattern, id)}, nil
}

func (a *Adapter) Refresh(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	return a.client.Refresh(ctx, a.oauth, cred)
}

func (a *Adapter) AuthCodeURL(state, _ string) string {
	return a.oauth.AuthCodeURL(state)
}

// Exchange completes the OAuth flow and resolves the member id via OpenID.
func (a *Adapter) Exchange(ctx context.Context, code, _ string) (domain.Credential, domain.Account, error) {
	cred, err := a.client.Exchange(ctx, a.oauth, code, "")
	if err != nil {
		return domain.Credential{}, domain.Account{}, err
	}

	var info struct {
		Sub  string `json:"sub"`
		Name string `json:"name"`
	}
	if _, err := a.client.Call(ctx, http.MethodGet, a.apiBase+"/v2/userinfo", cred.AccessToken, nil, &info, nil); err != nil {
		return domain.Credential{}, domain.Account{}, fmt.Errorf("resolve account: %w", err)
	}
	cred.Subject = info.Sub
	return cred, domain.Account{ID: info.Sub, Handle: info.Name}, nil
}
