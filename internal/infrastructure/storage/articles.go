package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"ArticleRelay/internal/domain"
)

var articleColumns = []string{
	"id", "slug", "title", "body", "excerpt", "category", "tags",
	"published", "share_on_publish", "COALESCE(source_url, '')", "published_at",
}

func scanArticle(row scanner) (domain.Article, error) {
	var (
		a           domain.Article
		publishedAt *time.Time
	)
	err := row.Scan(&a.ID, &a.Slug, &a.Title, &a.Body, &a.Excerpt, &a.Category, &a.Tags,
		&a.Published, &a.ShareOnPublish, &a.SourceURL, &publishedAt)
	a.PublishedAt = fromNullTime(publishedAt)
	return a, err
}

// GetArticle loads the fields distribution needs.
func (r *PostgresRepository) GetArticle(ctx context.Context, id string) (domain.Article, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Article{}, fmt.Errorf("%w: %s", domain.ErrArticleNotFound, id)
	}
	row, err := r.queryRow(ctx, psql.Select(articleColumns...).From("articles").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Article{}, err
	}
	article, err := scanArticle(row)
	if isNoRows(err) {
		return domain.Article{}, fmt.Errorf("%w: %s", domain.ErrArticleNotFound, id)
	}
	if err != nil {
		return domain.Article{}, fmt.Errorf("select article: %w", err)
	}
	return article, nil
}

// ExistsBySourceURL checks both ingested items and articles.
func (r *PostgresRepository) ExistsBySourceURL(ctx context.Context, url string) (bool, error) {
	q := psql.Select().Column(sq.Expr(
		"EXISTS (SELECT 1 FROM ingested_items WHERE url = ?) OR EXISTS (SELECT 1 FROM articles WHERE source_url = ?)",
		url, url,
	))
	row, err := r.queryRow(ctx, q)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check source url: %w", err)
	}
	return exists, nil
}

// CreateDraft inserts the draft article and its ingested item in one
// transaction. A url that is already known leaves both tables untouched.
func (r *PostgresRepository) CreateDraft(ctx context.Context, item domain.IngestedItem, draft domain.Draft) (string, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback(ctx) }

	id := uuid.NewString()
	now := r.now().UTC()
	insertArticle := psql.Insert("articles").
		Columns("id", "slug", "title", "body", "excerpt", "category", "tags", "source_url", "created_at", "updated_at").
		Values(id, draft.Slug(id), draft.Title, draft.Body, draft.Excerpt(), draft.CategorySlug, nonNil(draft.Tags), item.URL, now, now).
		Suffix("ON CONFLICT (source_url) DO NOTHING RETURNING id")

	row, err := txQueryRow(ctx, tx, insertArticle)
	if err != nil {
		rollback()
		return "", false, err
	}
	var inserted string
	if err := row.Scan(&inserted); err != nil {
		rollback()
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("insert article: %w", err)
	}

	insertItem := psql.Insert("ingested_items").
		Columns("source", "external_id", "url", "title", "published_at", "article_id", "ingested_at").
		Values(item.Source, item.ExternalID, item.URL, item.Title, nullTime(item.PublishedAt), inserted, now).
		Suffix("ON CONFLICT (url) DO NOTHING RETURNING id")

	row, err = txQueryRow(ctx, tx, insertItem)
	if err != nil {
		rollback()
		return "", false, err
	}
	var itemID int64
	if err := row.Scan(&itemID); err != nil {
		rollback()
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("insert ingested item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("commit draft: %w", err)
	}
	return inserted, true, nil
}

// GetWatermark returns an empty cursor for unseen sources.
func (r *PostgresRepository) GetWatermark(ctx context.Context, source string) (domain.Watermark, error) {
	row, err := r.queryRow(ctx, psql.Select("source", "published_at", "external_id", "updated_at").
		From("ingestion_watermarks").Where(sq.Eq{"source": source}))
	if err != nil {
		return domain.Watermark{}, err
	}
	var wm domain.Watermark
	err = row.Scan(&wm.Source, &wm.PublishedAt, &wm.ExternalID, &wm.UpdatedAt)
	if isNoRows(err) {
		return domain.Watermark{Source: source}, nil
	}
	if err != nil {
		return domain.Watermark{}, fmt.Errorf("select watermark: %w", err)
	}
	return wm, nil
}

// AdvanceWatermark upserts the cursor; an older position is ignored.
func (r *PostgresRepository) AdvanceWatermark(ctx context.Context, wm domain.Watermark) error {
	if wm.PublishedAt.IsZero() {
		return nil
	}
	q := psql.Insert("ingestion_watermarks").
		Columns("source", "published_at", "external_id", "updated_at").
		Values(wm.Source, wm.PublishedAt.UTC(), wm.ExternalID, r.now().UTC()).
		Suffix(`ON CONFLICT (source) DO UPDATE
SET published_at = EXCLUDED.published_at, external_id = EXCLUDED.external_id, updated_at = EXCLUDED.updated_at
WHERE ingestion_watermarks.published_at <= EXCLUDED.published_at`)
	if _, err := r.exec(ctx, q); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
