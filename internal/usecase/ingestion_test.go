package usecase

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/infrastructure/memstore"
	"ArticleRelay/internal/ports/mocks"
)

var (
	t1 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
	t3 = t2.Add(time.Hour)
)

func entry(source, slug string, at time.Time) domain.IngestedItem {
	return domain.IngestedItem{
		Source:      source,
		ExternalID:  slug,
		URL:         "https://news.example/" + slug,
		Title:       "Title " + slug,
		RawSummary:  "Summary " + slug,
		PublishedAt: at,
	}
}

// newestFirst mirrors the fetcher contract.
func newestFirst(items ...domain.IngestedItem) []domain.IngestedItem {
	out := slices.Clone(items)
	slices.SortFunc(out, func(a, b domain.IngestedItem) int { return b.PublishedAt.Compare(a.PublishedAt) })
	return out
}

func draftFor(item domain.IngestedItem) domain.Draft {
	return domain.Draft{Title: item.Title, Body: item.RawSummary, CategorySlug: "news"}
}

type ingestionFixture struct {
	store      *memstore.Store
	fetcher    *mocks.MockFetcher
	summarizer *mocks.MockSummarizer
	ingestion  *Ingestion
	delays     []time.Duration
}

func newIngestionFixture(t *testing.T, cfg config.IngestionConfig, sources ...string) *ingestionFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &ingestionFixture{
		store:      memstore.New(),
		fetcher:    mocks.NewMockFetcher(ctrl),
		summarizer: mocks.NewMockSummarizer(ctrl),
	}
	if cfg.MaxItemsPerTick == 0 {
		cfg.MaxItemsPerTick = 10
	}
	if len(sources) == 0 {
		sources = []string{"news"}
	}
	var srcs []domain.Source
	for _, name := range sources {
		srcs = append(srcs, domain.Source{Name: name, URL: "https://news.example/" + name + ".xml"})
	}
	f.ingestion = NewIngestion(IngestionDeps{
		Fetcher:    f.fetcher,
		Summarizer: f.summarizer,
		Articles:   f.store,
		Watermarks: f.store,
		Sources:    srcs,
		Config:     cfg,
	})
	f.ingestion.sleep = func(_ context.Context, d time.Duration) error {
		f.delays = append(f.delays, d)
		return nil
	}
	return f
}

func (f *ingestionFixture) serve(source string, items ...domain.IngestedItem) {
	f.fetcher.EXPECT().
		Fetch(gomock.Any(), gomock.Cond(func(src domain.Source) bool { return src.Name == source })).
		DoAndReturn(func(context.Context, domain.Source) (iter.Seq[domain.IngestedItem], error) {
			return slices.Values(newestFirst(items...)), nil
		}).
		AnyTimes()
}

func (f *ingestionFixture) watermark(t *testing.T, source string) time.Time {
	t.Helper()
	wm, err := f.store.GetWatermark(context.Background(), source)
	require.NoError(t, err)
	return wm.PublishedAt
}

func TestTickCreatesDraftsAndSkipsDuplicates(t *testing.T) {
	t.Parallel()

	f := newIngestionFixture(t, config.IngestionConfig{})
	a, b, c := entry("news", "a", t1), entry("news", "b", t2), entry("news", "c", t3)
	f.serve("news", a, b, c)

	_, created, err := f.store.CreateDraft(context.Background(), b, draftFor(b))
	require.NoError(t, err)
	require.True(t, created)

	f.summarizer.EXPECT().
		Summarize(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, item domain.IngestedItem) (domain.Draft, error) {
			return draftFor(item), nil
		}).
		Times(2)

	report, err := f.ingestion.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Duplicates)
	assert.Len(t, f.store.Drafts(), 3)
	assert.Equal(t, t3, f.watermark(t, "news"))
	assert.Equal(t, domain.StageIdle, f.ingestion.State())
}

func TestTickDoesNotResummarizeAcrossTicks(t *testing.T) {
	t.Parallel()

	f := newIngestionFixture(t, config.IngestionConfig{})
	f.serve("news", entry("news", "a", t1), entry("news", "b", t2), entry("news", "c", t3))
	f.summarizer.EXPECT().
		Summarize(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, item domain.IngestedItem) (domain.Draft, error) {
			return draftFor(item), nil
		}).
		Times(3)

	first, err := f.ingestion.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Created)

	second, err := f.ingestion.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Len(t, f.store.Drafts(), 3)
}

func TestTickHonoursPerTickCapOldestFirst(t *testing.T) {
	t.Parallel()

	f := newIngestionFixture(t, config.IngestionConfig{MaxItemsPerTick: 1})
	f.serve("news", entry("news", "a", t1), entry("news", "b", t2), entry("news", "c", t3))

	var seen []string
	f.summarizer.EXPECT().
		Summarize(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, item domain.IngestedItem) (domain.Draft, error) {
			seen = append(seen, item.ExternalID)
			return draftFor(item), nil
		}).
		Times(3)

	report, err := f.ingestion.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 2, report.Deferred)
	assert.Equal(t, t1, f.watermark(t, "news"))

	for range 2 {
		_, err := f.ingestion.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, t3, f.watermark(t, "news"))
}

func TestTickRetriesRateLimitedWithBackoff(t *testing.T) {
	t.Parallel()

	f := newIngestionFixture(t, config.IngestionConfig{
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  10 * time.Second,
	})
	a := entry("news", "a", t1)
	f.serve("news", a)

	limited := &domain.SummarizationError{Kind: domain.RateLimited, Err: errors.New("429")}
	gomock.InOrder(
		f.summarizer.EXPECT().Summarize(gomock.Any(), gomock.Any()).Return(domain.Draft{}, limited),
		f.summarizer.EXPECT().Summarize(gomock.Any(), gomock.Any()).Return(domain.Draft{}, &domain.SummarizationError{Kind: domain.RateLimited, RetryAfter: 5 * time.Second}),
		f.summarizer.EXPECT().Summarize(gomock.Any(), gomock.Any()).Return(draftFor(a), nil),
	)

	report, err := f.ingestion.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, f.delays)
}

func TestTickRequeuesWhenRetriesExhausted(t *testing.T) {
	t.Parallel()

	f := newIngestionFixture(t, config.IngestionConfig{MaxRetries: 1, RetryBaseDelay: time.Millisecond})
	f.serve("news", entry("news", "a", t1), entry("news", "b", t2))

	f.summarizer.EXPECT().
		Summarize(gomock.Any(), gomock.Any()).
		Return(domain.Draft{}, &domain.SummarizationError{Kind: domain.RateLimited}).
		Times(2)

	report, err := f.ingestion.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Zero(t, report.Created)
	assert.True(t, f.watermark(t, "news").IsZero(), "requeued items keep the cursor")
}

func TestTickRequeuesUnavailableAndRecovers(t *testing.T) {
	t.Parallel()

	f := newIngestionFixture(t, config.IngestionConfig{MaxRetries: 3})
	a, b := entry("news", "a", t1), entry("news", "b", t2)
	f.serve("news", a, b)

	gomock.InOrder(
		f.summarizer.EXPECT().Summarize(gomock.Any(), gomock.Any()).
			Return(domain.Draft{}, &domain.SummarizationError{Kind: domain.Unavailable, Err: errors.New("503")}),
		f.summarizer.EXPECT().Summarize(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, item domain.IngestedItem) (domain.Draft, error) {
				return draftFor(item), nil
			}).
			Times(2),
	)

	report, err := f.ingestion.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Empty(t, f.delays, "unavailable is not retried within the tick")
	assert.True(t, f.watermark(t, "news").IsZero())

	report, err = f.ingestion.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, t2, f.watermark(t, "news"))
}

func TestTickDropsMalformedAndAdvances(t *testing.T) {
	t.Parallel()

	f := newIngestionFixture(t, config.IngestionConfig{})
	a, b := entry("news", "a", t1), entry("news", "b", t2)
	f.serve("news", a, b)

	gomock.InOrder(
		f.summarizer.EXPECT().Summarize(gomock.Any(), gomock.Any()).
			Return(domain.Draft{}, &domain.SummarizationError{Kind: domain.Malformed, Err: errors.New("not json")}),
		f.summarizer.EXPECT().Summarize(gomock.Any(), gomock.Any()).Return(draftFor(b), nil),
	)

	report, err := f.ingestion.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, t2, f.watermark(t, "news"))
}

func TestTickIsolatesFetchErrors(t *testing.T) {
	t.Parallel()

	f := newIngestionFixture(t, config.IngestionConfig{}, "broken", "news")
	f.fetcher.EXPECT().
		Fetch(gomock.Any(), gomock.Cond(func(src domain.Source) bool { return src.Name == "broken" })).
		Return(nil, &domain.FetchError{Source: "broken", Err: errors.New("dns")})
	a := entry("news", "a", t1)
	f.serve("news", a)
	f.summarizer.EXPECT().Summarize(gomock.Any(), gomock.Any()).Return(draftFor(a), nil)

	report, err := f.ingestion.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FetchErrors)
	assert.Equal(t, 1, report.Created)
	assert.True(t, f.watermark(t, "broken").IsZero())
}

func TestTickResumesAfterInterruption(t *testing.T) {
	t.Parallel()

	f := newIngestionFixture(t, config.IngestionConfig{})
	f.serve("news", entry("news", "a", t1), entry("news", "b", t2), entry("news", "c", t3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls []string
	f.summarizer.EXPECT().
		Summarize(gomock.Any(), gomock.Any()).
		DoAndReturn(func(callCtx context.Context, item domain.IngestedItem) (domain.Draft, error) {
			calls = append(calls, item.ExternalID)
			if item.ExternalID == "a" {
				// Shutdown arrives while the first call is in flight.
				cancel()
				if callCtx.Err() != nil {
					return domain.Draft{}, callCtx.Err()
				}
			}
			return draftFor(item), nil
		}).
		Times(3)

	report, err := f.ingestion.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created, "the in-flight item completes")
	assert.Equal(t, t1, f.watermark(t, "news"))

	report, err = f.ingestion.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, []string{"a", "b", "c"}, calls)
	assert.Len(t, f.store.Drafts(), 3)
}

func TestTickSingleFlight(t *testing.T) {
	t.Parallel()

	f := newIngestionFixture(t, config.IngestionConfig{})
	a := entry("news", "a", t1)
	f.serve("news", a)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.summarizer.EXPECT().
		Summarize(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, domain.IngestedItem) (domain.Draft, error) {
			close(entered)
			<-release
			return draftFor(a), nil
		})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.ingestion.Tick(context.Background())
	}()

	<-entered
	assert.Equal(t, domain.StageSummarizing, f.ingestion.State())
	_, err := f.ingestion.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(release)
	wg.Wait()
	assert.Equal(t, domain.StageIdle, f.ingestion.State())
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	in := NewIngestion(IngestionDeps{Config: config.IngestionConfig{RetryBaseDelay: time.Second, RetryMaxDelay: 6 * time.Second}})
	assert.Equal(t, time.Second, in.backoff(0, 0))
	assert.Equal(t, 2*time.Second, in.backoff(1, 0))
	assert.Equal(t, 4*time.Second, in.backoff(2, 0))
	assert.Equal(t, 6*time.Second, in.backoff(5, 0))
	assert.Equal(t, 3*time.Second, in.backoff(0, 3*time.Second))
	assert.Equal(t, 6*time.Second, in.backoff(0, time.Minute))
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"HTTPS://News.Example/Post/#comments": "https://news.example/Post",
		"https://news.example/a?b=1":          "https://news.example/a?b=1",
		"  https://news.example/  ":           "https://news.example",
		"not a url":                           "not a url",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeURL(in), in)
	}
}
