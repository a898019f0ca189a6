package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/metrics"
	"ArticleRelay/internal/platform"
	"ArticleRelay/internal/ports"
)

// CredentialStoreDeps wires the credential lifecycle.
type CredentialStoreDeps struct {
	Connections ports.ConnectionRepository
	Registry    *platform.Registry
	Config      config.DistributionConfig
	Logger      *slog.Logger
}

// CredentialStore owns linked accounts and keeps their tokens usable.
type CredentialStore struct {
	repo     ports.ConnectionRepository
	registry *platform.Registry
	timeout  time.Duration
	skew     time.Duration
	logger   *slog.Logger
	now      func() time.Time

	refreshes singleflight.Group
}

// Authorization is the first leg of an OAuth handshake. State and Verifier
// must be kept by the caller until the callback arrives.
type Authorization struct {
	Platform domain.Platform
	URL      string
	State    string
	Verifier string
}

func NewCredentialStore(deps CredentialStoreDeps) *CredentialStore {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CredentialStore{
		repo:     deps.Connections,
		registry: deps.Registry,
		timeout:  deps.Config.RefreshTimeout,
		skew:     deps.Config.RefreshSkew,
		logger:   logger,
		now:      time.Now,
	}
}

// GetActive returns the active connection and its credential.
func (s *CredentialStore) GetActive(ctx context.Context, p domain.Platform) (domain.Connection, domain.Credential, error) {
	conn, err := s.repo.ActiveConnection(ctx, p)
	if err != nil {
		return domain.Connection{}, domain.Credential{}, err
	}
	cred, err := s.repo.Credential(ctx, conn.CredentialID)
	if err != nil {
		return domain.Connection{}, domain.Credential{}, fmt.Errorf("load %s credential: %w", p, err)
	}
	return conn, cred, nil
}

// Upsert links an account, replacing any active connection for the platform.
func (s *CredentialStore) Upsert(ctx context.Context, p domain.Platform, account domain.Account, cred domain.Credential) (domain.Connection, error) {
	conn, err := s.repo.UpsertConnection(ctx, domain.Connection{
		Platform:    p,
		AccountID:   account.ID,
		Handle:      account.Handle,
		ConnectedAt: s.now().UTC(),
	}, cred)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("store %s connection: %w", p, err)
	}
	s.logger.Info("platform connected", "platform", p, "handle", account.Handle, "credential", cred)
	return conn, nil
}

// Deactivate unlinks the platform.
func (s *CredentialStore) Deactivate(ctx context.Context, p domain.Platform) error {
	if err := s.repo.DeactivatePlatform(ctx, p); err != nil {
		return fmt.Errorf("deactivate %s: %w", p, err)
	}
	s.logger.Info("platform disconnected", "platform", p)
	return nil
}

// Touch records a successful use of the connection.
func (s *CredentialStore) Touch(ctx context.Context, conn domain.Connection) error {
	return s.repo.TouchConnection(ctx, conn.ID, s.now().UTC())
}

// RefreshIfExpired returns a credential that stays valid past the refresh
// skew. Concurrent refreshes for one platform share a single exchange. A
// refresh the provider rejects deactivates the connection and yields a
// *domain.CredentialExpiredError; there is no retry.
func (s *CredentialStore) RefreshIfExpired(ctx context.Context, conn domain.Connection, cred domain.Credential) (domain.Credential, error) {
	now := s.now()
	if !cred.ExpiresWithin(now, s.skew) {
		return cred, nil
	}

	adapter, err := s.registry.Resolve(conn.Platform)
	if err != nil {
		return domain.Credential{}, err
	}
	refresher, ok := adapter.(platform.Refresher)
	if !ok {
		if !cred.ExpiresWithin(now, 0) {
			return cred, nil
		}
		return domain.Credential{}, s.expire(ctx, conn, errors.New("token expired and platform has no refresh"))
	}

	v, err, shared := s.refreshes.Do(string(conn.Platform), func() (any, error) {
		return s.refresh(ctx, refresher, conn, cred)
	})
	if err != nil {
		return domain.Credential{}, err
	}
	if shared {
		s.logger.Debug("joined in-flight refresh", "platform", conn.Platform)
	}
	return v.(domain.Credential), nil
}

func (s *CredentialStore) refresh(ctx context.Context, refresher platform.Refresher, conn domain.Connection, cred domain.Credential) (domain.Credential, error) {
	refreshCtx, cancel := detach(ctx, s.timeout)
	defer cancel()

	next, err := refresher.Refresh(refreshCtx, cred)
	if errors.Is(err, platform.ErrRefreshRejected) {
		metrics.RecordRefresh(string(conn.Platform), "rejected")
		return domain.Credential{}, s.expire(refreshCtx, conn, err)
	}
	if err != nil {
		metrics.RecordRefresh(string(conn.Platform), "error")
		return domain.Credential{}, fmt.Errorf("refresh %s credential: %w", conn.Platform, err)
	}

	next.ID = cred.ID
	if next.Kind == "" {
		next.Kind = cred.Kind
	}
	if err := s.repo.SaveCredential(refreshCtx, next); err != nil {
		metrics.RecordRefresh(string(conn.Platform), "error")
		return domain.Credential{}, fmt.Errorf("save refreshed %s credential: %w", conn.Platform, err)
	}
	metrics.RecordRefresh(string(conn.Platform), "ok")
	s.logger.Info("credential refreshed", "platform", conn.Platform, "credential", next)
	return next, nil
}

func (s *CredentialStore) expire(ctx context.Context, conn domain.Connection, cause error) error {
	if err := s.repo.DeactivateConnection(context.WithoutCancel(ctx), conn.ID); err != nil {
		s.logger.Error("deactivate expired connection", "platform", conn.Platform, "error", err)
	}
	s.logger.Warn("credential expired, reconnect required", "platform", conn.Platform, "handle", conn.Handle, "error", cause)
	return &domain.CredentialExpiredError{Platform: conn.Platform, Err: cause}
}

// BeginAuthorization starts an OAuth handshake with a fresh state and PKCE
// verifier.
func (s *CredentialStore) BeginAuthorization(p domain.Platform) (Authorization, error) {
	auth, err := s.authorizer(p)
	if err != nil {
		return Authorization{}, err
	}
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	return Authorization{
		Platform: p,
		URL:      auth.AuthCodeURL(state, verifier),
		State:    state,
		Verifier: verifier,
	}, nil
}

// CompleteAuthorization exchanges the callback code and links the account.
func (s *CredentialStore) CompleteAuthorization(ctx context.Context, p domain.Platform, code, verifier string) (domain.Connection, error) {
	auth, err := s.authorizer(p)
	if err != nil {
		return domain.Connection{}, err
	}
	cred, account, err := auth.Exchange(ctx, code, verifier)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("exchange %s code: %w", p, err)
	}
	return s.Upsert(ctx, p, account, cred)
}

// ConnectWithPassword links a platform that authenticates with an app
// password or bot token.
func (s *CredentialStore) ConnectWithPassword(ctx context.Context, p domain.Platform, identifier, secret string) (domain.Connection, error) {
	adapter, err := s.registry.Resolve(p)
	if err != nil {
		return domain.Connection{}, err
	}
	connector, ok := adapter.(platform.PasswordConnector)
	if !ok {
		return domain.Connection{}, fmt.Errorf("%w: %s does not accept passwords", domain.ErrUnsupportedPlatform, p)
	}
	cred, account, err := connector.Connect(ctx, identifier, secret)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("connect %s: %w", p, err)
	}
	return s.Upsert(ctx, p, account, cred)
}

func (s *CredentialStore) authorizer(p domain.Platform) (platform.Authorizer, error) {
	adapter, err := s.registry.Resolve(p)
	if err != nil {
		return nil, err
	}
	auth, ok := adapter.(platform.Authorizer)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not use oauth", domain.ErrUnsupportedPlatform, p)
	}
	return auth, nil
}

// detach derives a context that ignores the parent's cancellation but keeps
// its values, bounded by its own timeout.
func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, timeout)
}
