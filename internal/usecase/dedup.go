package usecase

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
)

// Deduplicator filters entries whose url was already ingested or published.
// Near-duplicates with a different url are not detected.
type Deduplicator struct {
	articles ports.ArticleRepository
}

func NewDeduplicator(articles ports.ArticleRepository) *Deduplicator {
	return &Deduplicator{articles: articles}
}

// IsNew reports whether the normalized item url is unknown.
func (d *Deduplicator) IsNew(ctx context.Context, item domain.IngestedItem) (bool, error) {
	exists, err := d.articles.ExistsBySourceURL(ctx, NormalizeURL(item.URL))
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", item.URL, err)
	}
	return !exists, nil
}

// NormalizeURL lowercases scheme and host, drops the fragment and trims a
// trailing slash from the path. Unparseable input is only trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = strings.TrimRight(u.RawPath, "/")
	return u.String()
}
