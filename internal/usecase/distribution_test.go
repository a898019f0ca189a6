package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/infrastructure/memstore"
	"ArticleRelay/internal/platform"
)

var distributionConfig = config.DistributionConfig{
	ArticleURL:     "https://blog.example/articles/{slug}",
	PublishTimeout: time.Second,
	RefreshTimeout: time.Second,
	RefreshSkew:    2 * time.Minute,
	StaleAfter:     10 * time.Minute,
	MaxAttempts:    5,
	RetryBatch:     50,
}

type distributionFixture struct {
	store       *memstore.Store
	registry    *platform.Registry
	credentials *CredentialStore
	distributor *Distributor
	article     domain.Article
	now         time.Time
}

func newDistributionFixture(t *testing.T, adapters ...platform.Adapter) *distributionFixture {
	t.Helper()
	f := &distributionFixture{
		store:    memstore.New(),
		registry: platform.NewRegistry(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, a := range adapters {
		f.registry.Register(a)
	}
	f.credentials = NewCredentialStore(CredentialStoreDeps{
		Connections: f.store,
		Registry:    f.registry,
		Config:      distributionConfig,
	})
	f.credentials.now = func() time.Time { return f.now }
	f.distributor = NewDistributor(DistributionDeps{
		Articles:    f.store,
		Shares:      f.store,
		Connections: f.store,
		Credentials: f.credentials,
		Registry:    f.registry,
		Config:      distributionConfig,
	})
	f.distributor.now = func() time.Time { return f.now }
	f.article = f.store.PutArticle(domain.Article{
		Slug:           "compilers-101",
		Title:          "Compilers 101",
		Body:           "A tour of compiler passes.",
		Category:       "engineering",
		Tags:           []string{"go"},
		Published:      true,
		ShareOnPublish: true,
	})
	return f
}

func (f *distributionFixture) connect(t *testing.T, p domain.Platform, cred domain.Credential) domain.Connection {
	t.Helper()
	conn, err := f.credentials.Upsert(context.Background(), p, domain.Account{ID: string(p) + "-account", Handle: "@" + string(p)}, cred)
	require.NoError(t, err)
	return conn
}

func TestPublishPartialFailureThenTargetedRetry(t *testing.T) {
	t.Parallel()

	twitter := newFakeAdapter(domain.PlatformTwitter)
	linkedin := newFakeAdapter(domain.PlatformLinkedIn)
	telegram := newFakeAdapter(domain.PlatformTelegram)
	f := newDistributionFixture(t, twitter, linkedin, telegram)
	f.connect(t, domain.PlatformTwitter, domain.Credential{AccessToken: "tw"})
	f.connect(t, domain.PlatformLinkedIn, domain.Credential{AccessToken: "li"})

	linkedin.setErr(&domain.PublishError{Platform: domain.PlatformLinkedIn, StatusCode: 422, Message: "Content is a duplicate of urn:li:share:1"})

	results, err := f.distributor.Publish(context.Background(), f.article.ID,
		domain.PlatformTwitter, domain.PlatformLinkedIn, domain.PlatformTelegram)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, domain.SharePublished, results[domain.PlatformTwitter].Status)
	assert.Equal(t, "https://twitter.example/post/1", results[domain.PlatformTwitter].ExternalURL)
	assert.Equal(t, domain.ShareFailed, results[domain.PlatformLinkedIn].Status)
	assert.Equal(t, "Content is a duplicate of urn:li:share:1", results[domain.PlatformLinkedIn].Error)
	assert.Equal(t, domain.ShareSkipped, results[domain.PlatformTelegram].Status)
	assert.Equal(t, domain.SkipNotConnected, results[domain.PlatformTelegram].Error)

	call := twitter.calls()[0]
	assert.Equal(t, "tw", call.Token)
	assert.Equal(t, "twitter-account", call.Account)
	assert.Contains(t, call.Payload.Text, "https://blog.example/articles/compilers-101")

	linkedin.setErr(nil)
	f.now = f.now.Add(time.Hour)
	retried, err := f.distributor.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	shares, err := f.distributor.Shares(context.Background(), f.article.ID)
	require.NoError(t, err)
	byPlatform := map[domain.Platform]domain.ShareRecord{}
	for _, s := range shares {
		byPlatform[s.Platform] = s
	}
	assert.Equal(t, domain.SharePublished, byPlatform[domain.PlatformLinkedIn].Status)
	assert.Equal(t, 2, byPlatform[domain.PlatformLinkedIn].Attempts)
	assert.Len(t, twitter.calls(), 1, "published platforms are not re-posted")
	assert.Equal(t, domain.ShareSkipped, byPlatform[domain.PlatformTelegram].Status, "skipped records are not retried")
}

func TestPublishIsIdempotent(t *testing.T) {
	t.Parallel()

	mastodon := newFakeAdapter(domain.PlatformMastodon)
	f := newDistributionFixture(t, mastodon)
	f.connect(t, domain.PlatformMastodon, domain.Credential{AccessToken: "m"})

	first, err := f.distributor.Publish(context.Background(), f.article.ID)
	require.NoError(t, err)
	second, err := f.distributor.Publish(context.Background(), f.article.ID)
	require.NoError(t, err)

	assert.Len(t, mastodon.calls(), 1)
	assert.Equal(t, first[domain.PlatformMastodon].ID, second[domain.PlatformMastodon].ID)
	assert.Equal(t, domain.SharePublished, second[domain.PlatformMastodon].Status)
	assert.Equal(t, 1, second[domain.PlatformMastodon].Attempts)

	events, err := f.distributor.History(context.Background(), first[domain.PlatformMastodon].ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.SharePending, events[0].Status)
	assert.Equal(t, domain.SharePublished, events[1].Status)
}

func TestPublishSkipsUnpublishedArticle(t *testing.T) {
	t.Parallel()

	bluesky := newFakeAdapter(domain.PlatformBluesky)
	f := newDistributionFixture(t, bluesky)
	f.connect(t, domain.PlatformBluesky, domain.Credential{AccessToken: "b"})
	draft := f.store.PutArticle(domain.Article{Title: "Draft", Published: false})

	results, err := f.distributor.Publish(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareSkipped, results[domain.PlatformBluesky].Status)
	assert.Equal(t, domain.SkipNotPublished, results[domain.PlatformBluesky].Error)
	assert.Empty(t, bluesky.calls())
}

func TestPublishUnknownArticle(t *testing.T) {
	t.Parallel()

	f := newDistributionFixture(t)
	_, err := f.distributor.Publish(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrArticleNotFound)
}

func TestPublishRefreshesExpiringCredential(t *testing.T) {
	t.Parallel()

	twitter := &refreshingAdapter{
		fakeAdapter: newFakeAdapter(domain.PlatformTwitter),
		next:        domain.Credential{AccessToken: "fresh", RefreshToken: "r2"},
	}
	f := newDistributionFixture(t, twitter)
	twitter.next.ExpiresAt = f.now.Add(2 * time.Hour)
	conn := f.connect(t, domain.PlatformTwitter, domain.Credential{
		Kind:         domain.CredentialOAuth2,
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    f.now.Add(time.Minute),
	})

	results, err := f.distributor.Publish(context.Background(), f.article.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SharePublished, results[domain.PlatformTwitter].Status)
	assert.Equal(t, 1, twitter.refreshed)
	assert.Equal(t, "fresh", twitter.calls()[0].Token)

	stored, err := f.store.Credential(context.Background(), conn.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.AccessToken)
	assert.Equal(t, domain.CredentialOAuth2, stored.Kind)
}

func TestPublishSkipsWhenRefreshRejected(t *testing.T) {
	t.Parallel()

	linkedin := &refreshingAdapter{
		fakeAdapter: newFakeAdapter(domain.PlatformLinkedIn),
		refreshErr:  fmt.Errorf("%w: invalid_grant", platform.ErrRefreshRejected),
	}
	f := newDistributionFixture(t, linkedin)
	f.connect(t, domain.PlatformLinkedIn, domain.Credential{AccessToken: "old", ExpiresAt: f.now.Add(-time.Minute)})

	results, err := f.distributor.Publish(context.Background(), f.article.ID, domain.PlatformLinkedIn)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareSkipped, results[domain.PlatformLinkedIn].Status)
	assert.Equal(t, domain.SkipCredentialExpired, results[domain.PlatformLinkedIn].Error)
	assert.Empty(t, linkedin.calls())

	_, _, err = f.credentials.GetActive(context.Background(), domain.PlatformLinkedIn)
	assert.ErrorIs(t, err, domain.ErrNotConnected, "rejected refresh deactivates the connection")

	retried, err := f.distributor.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, retried)
}

func TestPublishFailsOnTransientRefreshError(t *testing.T) {
	t.Parallel()

	linkedin := &refreshingAdapter{
		fakeAdapter: newFakeAdapter(domain.PlatformLinkedIn),
		refreshErr:  fmt.Errorf("token endpoint: connection reset"),
	}
	f := newDistributionFixture(t, linkedin)
	f.connect(t, domain.PlatformLinkedIn, domain.Credential{AccessToken: "old", ExpiresAt: f.now.Add(-time.Minute)})

	results, err := f.distributor.Publish(context.Background(), f.article.ID, domain.PlatformLinkedIn)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareFailed, results[domain.PlatformLinkedIn].Status)

	_, _, err = f.credentials.GetActive(context.Background(), domain.PlatformLinkedIn)
	assert.NoError(t, err, "transient errors keep the connection")
}

func TestPublishCancelledBeforeDispatch(t *testing.T) {
	t.Parallel()

	telegram := newFakeAdapter(domain.PlatformTelegram)
	f := newDistributionFixture(t, telegram)
	f.connect(t, domain.PlatformTelegram, domain.Credential{Secret: "bot"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := f.distributor.Publish(ctx, f.article.ID, domain.PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareFailed, results[domain.PlatformTelegram].Status)
	assert.Equal(t, "distribution cancelled", results[domain.PlatformTelegram].Error)
	assert.Empty(t, telegram.calls())

	results, err = f.distributor.Publish(context.Background(), f.article.ID, domain.PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, domain.SharePublished, results[domain.PlatformTelegram].Status)
}

func TestPublishLeavesFreshPendingClaimAlone(t *testing.T) {
	t.Parallel()

	twitter := newFakeAdapter(domain.PlatformTwitter)
	f := newDistributionFixture(t, twitter)
	f.connect(t, domain.PlatformTwitter, domain.Credential{AccessToken: "tw"})

	_, claimed, err := f.store.ClaimShare(context.Background(), f.article.ID, domain.PlatformTwitter, f.now, distributionConfig.StaleAfter)
	require.NoError(t, err)
	require.True(t, claimed)

	results, err := f.distributor.Publish(context.Background(), f.article.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SharePending, results[domain.PlatformTwitter].Status)
	assert.Empty(t, twitter.calls())

	f.now = f.now.Add(distributionConfig.StaleAfter + time.Second)
	results, err = f.distributor.Publish(context.Background(), f.article.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SharePublished, results[domain.PlatformTwitter].Status)
}

func TestOnArticlePublishedRespectsOptOut(t *testing.T) {
	t.Parallel()

	mastodon := newFakeAdapter(domain.PlatformMastodon)
	f := newDistributionFixture(t, mastodon)
	f.connect(t, domain.PlatformMastodon, domain.Credential{AccessToken: "m"})
	quiet := f.store.PutArticle(domain.Article{Title: "Quiet", Published: true, ShareOnPublish: false})

	results, err := f.distributor.OnArticlePublished(context.Background(), quiet.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, mastodon.calls())

	results, err = f.distributor.OnArticlePublished(context.Background(), f.article.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SharePublished, results[domain.PlatformMastodon].Status)
}
