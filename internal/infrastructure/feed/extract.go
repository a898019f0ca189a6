package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

const maxContentChars = 20000

// ReadabilityExtractor fetches a page and keeps its main article text.
type ReadabilityExtractor struct {
	client    *http.Client
	userAgent string
}

var _ Extractor = (*ReadabilityExtractor)(nil)

func NewReadabilityExtractor(client *http.Client, userAgent string) *ReadabilityExtractor {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ReadabilityExtractor{client: client, userAgent: userAgent}
}

func (e *ReadabilityExtractor) Extract(ctx context.Context, pageURL string) (string, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return "", fmt.Errorf("parse content: %w", err)
	}

	content := strings.Join(strings.Fields(article.TextContent), " ")
	if runes := []rune(content); len(runes) > maxContentChars {
		content = string(runes[:maxContentChars])
	}
	return content, nil
}
