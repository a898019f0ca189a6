package domain

import (
	"strings"
	"time"
)

// Article is the subset of a CMS article the relay needs to distribute it.
type Article struct {
	ID             string
	Slug           string
	Title          string
	Body           string
	Excerpt        string
	Category       string
	Tags           []string
	Published      bool
	ShareOnPublish bool
	SourceURL      string
	PublishedAt    time.Time
}

// Comment is an inbound reader comment awaiting moderation.
type Comment struct {
	ID          string
	ArticleID   string
	Body        string
	AuthorEmail string
	AuthorIP    string
}

// IngestedItem is a feed entry normalized by the fetcher.
type IngestedItem struct {
	Source      string
	ExternalID  string
	URL         string
	Title       string
	RawSummary  string
	Content     string
	Categories  []string
	PublishedAt time.Time
}

// SourceText returns the richest text available for summarization.
func (i IngestedItem) SourceText() string {
	if len(i.Content) > len(i.RawSummary) {
		return i.Content
	}
	return i.RawSummary
}

// Draft captures summarizer output before it becomes an article.
type Draft struct {
	Title        string
	Body         string
	CategorySlug string
	Tags         []string
}

// Slug derives a url slug from the title, suffixed with part of the id so
// equal titles stay unique.
func (d Draft) Slug(id string) string {
	fields := strings.FieldsFunc(strings.ToLower(d.Title), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	if len(fields) > 8 {
		fields = fields[:8]
	}
	suffix := strings.ReplaceAll(id, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return strings.Join(append(fields, suffix), "-")
}

// Excerpt is the first non-empty paragraph of the body.
func (d Draft) Excerpt() string {
	for _, para := range strings.Split(d.Body, "\n\n") {
		if para = strings.TrimSpace(para); para != "" {
			return para
		}
	}
	return ""
}

// Watermark is the ingestion cursor for one feed source.
type Watermark struct {
	Source      string
	PublishedAt time.Time
	ExternalID  string
	UpdatedAt   time.Time
}

// Covers reports whether the item is strictly behind the cursor.
// Undated items are never covered; deduplication decides for them.
func (w Watermark) Covers(item IngestedItem) bool {
	if item.PublishedAt.IsZero() || w.PublishedAt.IsZero() {
		return false
	}
	return item.PublishedAt.Before(w.PublishedAt)
}

// IngestionStage enumerates the per-tick ingestion state machine.
type IngestionStage string

const (
	StageIdle        IngestionStage = "idle"
	StageFetching    IngestionStage = "fetching"
	StageDeduping    IngestionStage = "deduping"
	StageSummarizing IngestionStage = "summarizing"
	StagePersisting  IngestionStage = "persisting"
)

// Source is a configured syndication feed.
type Source struct {
	Name           string
	URL            string
	ExtractContent bool
}
