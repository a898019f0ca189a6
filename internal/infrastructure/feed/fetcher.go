package feed

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
)

const maxFeedBytes = 10 << 20

// Extractor pulls the readable text of a web page.
type Extractor interface {
	Extract(ctx context.Context, pageURL string) (string, error)
}

// Options tune the fetcher; zero values fall back to defaults.
type Options struct {
	UserAgent string
	// MinSummaryChars is the summary length below which full text is
	// extracted for sources that enable it.
	MinSummaryChars int
}

// Fetcher reads RSS, Atom and JSON feeds.
type Fetcher struct {
	client    *http.Client
	extractor Extractor
	opts      Options
	logger    *slog.Logger
}

var _ ports.Fetcher = (*Fetcher)(nil)

// NewFetcher wires an HTTP client; extractor may be nil.
func NewFetcher(client *http.Client, extractor Extractor, opts Options, log *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ArticleRelay/1.0"
	}
	if opts.MinSummaryChars <= 0 {
		opts.MinSummaryChars = 280
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{client: client, extractor: extractor, opts: opts, logger: log}
}

// Fetch downloads and parses the feed. Undated entries come first, then the
// rest newest first, so a consumer can stop at the first entry older than its
// cursor. Entries are normalized only as the caller pulls them.
func (f *Fetcher) Fetch(ctx context.Context, src domain.Source) (iter.Seq[domain.IngestedItem], error) {
	parsed, err := f.download(ctx, src)
	if err != nil {
		return nil, &domain.FetchError{Source: src.Name, Err: err}
	}

	items := slices.Clone(parsed.Items)
	slices.SortStableFunc(items, func(a, b *gofeed.Item) int {
		return newestFirst(itemTime(a), itemTime(b))
	})
	f.logger.Debug("feed parsed", "source", src.Name, "entries", len(items))

	return func(yield func(domain.IngestedItem) bool) {
		for _, raw := range items {
			item, ok := f.normalize(ctx, src, raw)
			if !ok {
				continue
			}
			if !yield(item) {
				return
			}
		}
	}, nil
}

func (f *Fetcher) download(ctx context.Context, src domain.Source) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned %s", resp.Status)
	}

	parsed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return parsed, nil
}

func (f *Fetcher) normalize(ctx context.Context, src domain.Source, raw *gofeed.Item) (domain.IngestedItem, bool) {
	link := strings.TrimSpace(raw.Link)
	if link == "" {
		return domain.IngestedItem{}, false
	}

	summary := StripHTML(cmp.Or(raw.Description, raw.Content))
	item := domain.IngestedItem{
		Source:     src.Name,
		ExternalID: cmp.Or(strings.TrimSpace(raw.GUID), link),
		URL:        link,
		Title:      strings.TrimSpace(StripHTML(raw.Title)),
		RawSummary: summary,
		Categories: slices.Clone(raw.Categories),
	}
	if t := itemTime(raw); t != nil {
		item.PublishedAt = t.UTC()
	}

	if content := StripHTML(raw.Content); len(content) > len(summary) {
		item.Content = content
	}
	if src.ExtractContent && f.extractor != nil && len(item.SourceText()) < f.opts.MinSummaryChars {
		text, err := f.extractor.Extract(ctx, link)
		if err != nil {
			f.logger.Warn("content extraction failed", "source", src.Name, "url", link, "error", err)
		} else if len(text) > len(item.Content) {
			item.Content = text
		}
	}
	return item, true
}

func itemTime(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	return item.UpdatedParsed
}

// newestFirst orders undated entries ahead of dated ones, which descend.
func newestFirst(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return b.Compare(*a)
}
