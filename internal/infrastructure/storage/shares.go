package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ArticleRelay/internal/domain"
)

var shareColumns = []string{
	"id", "article_id", "platform", "status", "external_id", "external_url",
	"error", "attempts", "created_at", "updated_at", "shared_at",
}

// claimSuffix re-arms a record unless it is published or freshly pending.
// The WHERE clause makes the conflict a no-op in those cases, so RETURNING
// yields no row.
const claimSuffix = `ON CONFLICT (article_id, platform) DO UPDATE
SET status = 'PENDING', attempts = share_records.attempts + 1, error = '', updated_at = EXCLUDED.updated_at
WHERE share_records.status <> 'PUBLISHED'
  AND NOT (share_records.status = 'PENDING' AND share_records.updated_at > ?)
RETURNING `

func scanShare(row scanner) (domain.ShareRecord, error) {
	var (
		s        domain.ShareRecord
		platform string
		status   string
		sharedAt *time.Time
	)
	err := row.Scan(&s.ID, &s.ArticleID, &platform, &status, &s.ExternalID, &s.ExternalURL,
		&s.Error, &s.Attempts, &s.CreatedAt, &s.UpdatedAt, &sharedAt)
	s.Platform = domain.Platform(platform)
	s.Status = domain.ShareStatus(status)
	s.SharedAt = fromNullTime(sharedAt)
	return s, err
}

// ClaimShare atomically moves the (article, platform) pair to PENDING.
// claimed is false when the existing record was returned unchanged.
func (r *PostgresRepository) ClaimShare(ctx context.Context, articleID string, platform domain.Platform, now time.Time, staleAfter time.Duration) (domain.ShareRecord, bool, error) {
	now = now.UTC()
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.ShareRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}

	claim := psql.Insert("share_records").
		Columns("id", "article_id", "platform", "status", "attempts", "created_at", "updated_at").
		Values(uuid.NewString(), articleID, string(platform), string(domain.SharePending), 1, now, now).
		Suffix(claimSuffix+strings.Join(shareColumns, ", "), now.Add(-staleAfter))

	row, err := txQueryRow(ctx, tx, claim)
	if err != nil {
		_ = tx.Rollback(ctx)
		return domain.ShareRecord{}, false, err
	}
	record, err := scanShare(row)
	if isNoRows(err) {
		_ = tx.Rollback(ctx)
		current, err := r.shareByPair(ctx, articleID, platform)
		return current, false, err
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return domain.ShareRecord{}, false, fmt.Errorf("claim share: %w", err)
	}

	if err := appendEvent(ctx, tx, domain.ShareEvent{ShareID: record.ID, Status: record.Status, At: now}); err != nil {
		_ = tx.Rollback(ctx)
		return domain.ShareRecord{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ShareRecord{}, false, fmt.Errorf("commit claim: %w", err)
	}
	return record, true, nil
}

// CompleteShare applies the terminal outcome and logs the transition.
func (r *PostgresRepository) CompleteShare(ctx context.Context, shareID string, outcome domain.ShareOutcome) (domain.ShareRecord, error) {
	at := outcome.At.UTC()
	set := map[string]any{
		"status":       string(outcome.Status),
		"external_id":  outcome.ExternalID,
		"external_url": outcome.ExternalURL,
		"error":        outcome.Error,
		"updated_at":   at,
	}
	if outcome.Status == domain.SharePublished {
		set["shared_at"] = at
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.ShareRecord{}, fmt.Errorf("begin tx: %w", err)
	}

	update := psql.Update("share_records").SetMap(set).Where(sq.Eq{"id": shareID}).
		Suffix("RETURNING " + strings.Join(shareColumns, ", "))
	row, err := txQueryRow(ctx, tx, update)
	if err != nil {
		_ = tx.Rollback(ctx)
		return domain.ShareRecord{}, err
	}
	record, err := scanShare(row)
	if err != nil {
		_ = tx.Rollback(ctx)
		if isNoRows(err) {
			return domain.ShareRecord{}, fmt.Errorf("share %s: %w", shareID, domain.ErrNotFound)
		}
		return domain.ShareRecord{}, fmt.Errorf("complete share: %w", err)
	}

	event := domain.ShareEvent{ShareID: shareID, Status: outcome.Status, Error: outcome.Error, At: at}
	if err := appendEvent(ctx, tx, event); err != nil {
		_ = tx.Rollback(ctx)
		return domain.ShareRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ShareRecord{}, fmt.Errorf("commit share: %w", err)
	}
	return record, nil
}

func (r *PostgresRepository) ListShares(ctx context.Context, articleID string) ([]domain.ShareRecord, error) {
	q := psql.Select(shareColumns...).From("share_records").
		Where(sq.Eq{"article_id": articleID}).OrderBy("platform")
	shares, err := collect(ctx, r.db, q, scanShare)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	return shares, nil
}

func (r *PostgresRepository) ListShareEvents(ctx context.Context, shareID string) ([]domain.ShareEvent, error) {
	q := psql.Select("share_id", "status", "error", "at").From("share_events").
		Where(sq.Eq{"share_id": shareID}).OrderBy("id")
	events, err := collect(ctx, r.db, q, func(row scanner) (domain.ShareEvent, error) {
		var (
			e      domain.ShareEvent
			status string
		)
		err := row.Scan(&e.ShareID, &status, &e.Error, &e.At)
		e.Status = domain.ShareStatus(status)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("list share events: %w", err)
	}
	return events, nil
}

// ListRetryable returns FAILED records below the attempt budget, oldest
// first. A limit <= 0 returns all of them.
func (r *PostgresRepository) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]domain.ShareRecord, error) {
	q := psql.Select(shareColumns...).From("share_records").
		Where(sq.Eq{"status": string(domain.ShareFailed)}).
		Where(sq.Lt{"attempts": maxAttempts}).
		OrderBy("updated_at")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	shares, err := collect(ctx, r.db, q, scanShare)
	if err != nil {
		return nil, fmt.Errorf("list retryable shares: %w", err)
	}
	return shares, nil
}

// ListSpamRules returns the blocklist in creation order.
func (r *PostgresRepository) ListSpamRules(ctx context.Context) ([]domain.SpamRule, error) {
	q := psql.Select("id", "type", "value", "reason", "created_at").From("spam_rules").OrderBy("created_at", "id")
	rules, err := collect(ctx, r.db, q, func(row scanner) (domain.SpamRule, error) {
		var (
			rule domain.SpamRule
			typ  string
		)
		err := row.Scan(&rule.ID, &typ, &rule.Value, &rule.Reason, &rule.CreatedAt)
		rule.Type = domain.SpamRuleType(typ)
		return rule, err
	})
	if err != nil {
		return nil, fmt.Errorf("list spam rules: %w", err)
	}
	return rules, nil
}

func (r *PostgresRepository) shareByPair(ctx context.Context, articleID string, platform domain.Platform) (domain.ShareRecord, error) {
	row, err := r.queryRow(ctx, psql.Select(shareColumns...).From("share_records").
		Where(sq.Eq{"article_id": articleID, "platform": string(platform)}))
	if err != nil {
		return domain.ShareRecord{}, err
	}
	record, err := scanShare(row)
	if err != nil {
		return domain.ShareRecord{}, fmt.Errorf("select share: %w", err)
	}
	return record, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, e domain.ShareEvent) error {
	q := psql.Insert("share_events").Columns("share_id", "status", "error", "at").
		Values(e.ShareID, string(e.Status), e.Error, e.At)
	if err := txExec(ctx, tx, q); err != nil {
		return fmt.Errorf("append share event: %w", err)
	}
	return nil
}
