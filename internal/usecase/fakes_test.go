package usecase

import (
	"context"
	"fmt"
	"sync"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/platform"
)

type fakeAdapter struct {
	platform domain.Platform

	mu        sync.Mutex
	err       error
	published []publishCall
}

type publishCall struct {
	Token   string
	Account string
	Payload domain.Payload
}

func newFakeAdapter(p domain.Platform) *fakeAdapter {
	return &fakeAdapter{platform: p}
}

func (f *fakeAdapter) Platform() domain.Platform { return f.platform }

func (f *fakeAdapter) FormatPayload(article domain.Article, link string) domain.Payload {
	return platform.Compose(article, link, platform.Limits{MaxChars: 280, MaxHashtags: 2, LinkInText: true})
}

func (f *fakeAdapter) Publish(ctx context.Context, cred domain.Credential, accountID string, payload domain.Payload) (domain.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.PublishResult{}, f.err
	}
	f.published = append(f.published, publishCall{Token: cred.AccessToken, Account: accountID, Payload: payload})
	n := len(f.published)
	return domain.PublishResult{
		ExternalID: fmt.Sprintf("%s-%d", f.platform, n),
		URL:        fmt.Sprintf("https://%s.example/post/%d", f.platform, n),
	}, nil
}

func (f *fakeAdapter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAdapter) calls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.published...)
}

// refreshingAdapter adds token refresh and the OAuth handshake.
type refreshingAdapter struct {
	*fakeAdapter

	refreshErr error
	refreshed  int
	next       domain.Credential
}

func (r *refreshingAdapter) Refresh(_ context.Context, cred domain.Credential) (domain.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed++
	if r.refreshErr != nil {
		return domain.Credential{}, r.refreshErr
	}
	return r.next, nil
}

func (r *refreshingAdapter) AuthCodeURL(state, verifier string) string {
	return "https://auth.example/authorize?state=" + state + "&verifier=" + verifier
}

func (r *refreshingAdapter) Exchange(_ context.Context, code, verifier string) (domain.Credential, domain.Account, error) {
	if code != "good-code" || verifier == "" {
		return domain.Credential{}, domain.Account{}, fmt.Errorf("invalid_grant")
	}
	return domain.Credential{Kind: domain.CredentialOAuth2, AccessToken: "exchanged"}, domain.Account{ID: "42", Handle: "@relay"}, nil
}

var (
	_ platform.Refresher  = (*refreshingAdapter)(nil)
	_ platform.Authorizer = (*refreshingAdapter)(nil)
)
