package platform

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"ArticleRelay/internal/domain"
)

// ErrRefreshRejected marks a refresh exchange the provider refused outright,
// as opposed to a transient transport failure.
var ErrRefreshRejected = errors.New("refresh rejected by provider")

// Adapter captures a single platform variant (Twitter, Bluesky, etc.).
type Adapter interface {
	Platform() domain.Platform
	// FormatPayload renders the article for the platform. It must not touch
	// the network.
	FormatPayload(article domain.Article, link string) domain.Payload
	Publish(ctx context.Context, cred domain.Credential, accountID string, payload domain.Payload) (domain.PublishResult, error)
}

// Refresher is implemented by platforms whose credentials expire.
type Refresher interface {
	Refresh(ctx context.Context, cred domain.Credential) (domain.Credential, error)
}

// Authorizer is implemented by OAuth platforms.
type Authorizer interface {
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (domain.Credential, domain.Account, error)
}

// PasswordConnector is implemented by platforms linked with an
// application-scoped secret instead of an OAuth redirect.
type PasswordConnector interface {
	Connect(ctx context.Context, identifier, secret string) (domain.Credential, domain.Account, error)
}

// Registry keeps a mapping from platforms to their adapters.
type Registry struct {
	adapters map[domain.Platform]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[domain.Platform]Adapter{}}
}

// Register adds or replaces an adapter implementation.
func (r *Registry) Register(adapter Adapter) {
	if r.adapters == nil {
		r.adapters = map[domain.Platform]Adapter{}
	}
	r.adapters[adapter.Platform()] = adapter
}

// Resolve returns the adapter for a platform or an error if it is absent.
func (r *Registry) Resolve(p domain.Platform) (Adapter, error) {
	if adapter, ok := r.adapters[p]; ok {
		return adapter, nil
	}
	return nil, fmt.Errorf("%w: %s is not registered", domain.ErrUnsupportedPlatform, p)
}

// Platforms lists registered platforms in a stable order.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
