package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
)

// Store keeps every repository in process memory. Each method holds the
// lock for its whole body, which gives the same per-call atomicity as the
// Postgres statements.
type Store struct {
	mu sync.Mutex

	articles    map[string]domain.Article
	ingested    map[string]domain.IngestedItem
	watermarks  map[string]domain.Watermark
	connections map[string]domain.Connection
	credentials map[string]domain.Credential
	shares      map[string]domain.ShareRecord
	events      []domain.ShareEvent
	rules       []domain.SpamRule

	now func() time.Time
}

var _ ports.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		articles:    map[string]domain.Article{},
		ingested:    map[string]domain.IngestedItem{},
		watermarks:  map[string]domain.Watermark{},
		connections: map[string]domain.Connection{},
		credentials: map[string]domain.Credential{},
		shares:      map[string]domain.ShareRecord{},
		now:         time.Now,
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutArticle inserts or replaces an article, assigning an id when empty.
func (s *Store) PutArticle(a domain.Article) domain.Article {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Tags = slices.Clone(a.Tags)
	s.articles[a.ID] = a
	return a
}

// AddSpamRule appends a rule, rejecting duplicates of (type, value).
func (s *Store) AddSpamRule(rule domain.SpamRule) (domain.SpamRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rules {
		if existing.Type == rule.Type && strings.EqualFold(existing.Value, rule.Value) {
			return domain.SpamRule{}, fmt.Errorf("spam rule %s %q already exists", rule.Type, rule.Value)
		}
	}
	rule.ID = int64(len(s.rules) + 1)
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = s.now()
	}
	s.rules = append(s.rules, rule)
	return rule, nil
}

// Drafts lists articles created by ingestion, ordered by source url.
func (s *Store) Drafts() []domain.Article {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Article
	for _, a := range s.articles {
		if a.SourceURL != "" {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b domain.Article) int { return cmp.Compare(a.SourceURL, b.SourceURL) })
	return out
}

func (s *Store) GetArticle(_ context.Context, id string) (domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[id]
	if !ok {
		return domain.Article{}, fmt.Errorf("%w: %s", domain.ErrArticleNotFound, id)
	}
	a.Tags = slices.Clone(a.Tags)
	return a, nil
}

func (s *Store) ExistsBySourceURL(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownURL(url), nil
}

func (s *Store) CreateDraft(_ context.Context, item domain.IngestedItem, draft domain.Draft) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.knownURL(item.URL) {
		return "", false, nil
	}
	id := uuid.NewString()
	s.articles[id] = domain.Article{
		ID:        id,
		Slug:      draft.Slug(id),
		Title:     draft.Title,
		Body:      draft.Body,
		Excerpt:   draft.Excerpt(),
		Category:  draft.CategorySlug,
		Tags:      slices.Clone(draft.Tags),
		SourceURL: item.URL,
	}
	s.ingested[item.URL] = item
	return id, true, nil
}

func (s *Store) knownURL(url string) bool {
	if _, ok := s.ingested[url]; ok {
		return true
	}
	for _, a := range s.articles {
		if a.SourceURL == url {
			return true
		}
	}
	return false
}

func (s *Store) GetWatermark(_ context.Context, source string) (domain.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wm, ok := s.watermarks[source]; ok {
		return wm, nil
	}
	return domain.Watermark{Source: source}, nil
}

func (s *Store) AdvanceWatermark(_ context.Context, wm domain.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wm.PublishedAt.IsZero() {
		return nil
	}
	if current, ok := s.watermarks[wm.Source]; ok && current.PublishedAt.After(wm.PublishedAt) {
		return nil
	}
	wm.UpdatedAt = s.now()
	s.watermarks[wm.Source] = wm
	return nil
}

func (s *Store) ActiveConnection(_ context.Context, platform domain.Platform) (domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.connections {
		if c.Platform == platform && c.Active {
			return c, nil
		}
	}
	return domain.Connection{}, fmt.Errorf("%w: %s", domain.ErrNotConnected, platform)
}

func (s *Store) ActiveConnections(_ context.Context) ([]domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Connection
	for _, c := range s.connections {
		if c.Active {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b domain.Connection) int { return cmp.Compare(a.Platform, b.Platform) })
	return out, nil
}

func (s *Store) UpsertConnection(_ context.Context, conn domain.Connection, cred domain.Credential) (domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, c := range s.connections {
		if c.Platform == conn.Platform && c.Active {
			c.Active = false
			s.connections[id] = c
		}
	}
	cred.ID = uuid.NewString()
	cred.UpdatedAt = now
	s.credentials[cred.ID] = cred

	conn.ID = uuid.NewString()
	conn.CredentialID = cred.ID
	conn.Active = true
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	s.connections[conn.ID] = conn
	return conn, nil
}

func (s *Store) DeactivatePlatform(_ context.Context, platform domain.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.connections {
		if c.Platform == platform {
			c.Active = false
			s.connections[id] = c
		}
	}
	return nil
}

func (s *Store) DeactivateConnection(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.connections[id]; ok {
		c.Active = false
		s.connections[id] = c
	}
	return nil
}

func (s *Store) TouchConnection(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.connections[id]; ok {
		c.LastUsedAt = at
		s.connections[id] = c
	}
	return nil
}

func (s *Store) Credential(_ context.Context, id string) (domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return domain.Credential{}, fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (s *Store) SaveCredential(_ context.Context, cred domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[cred.ID]; !ok {
		return fmt.Errorf("credential %s: %w", cred.ID, domain.ErrNotFound)
	}
	cred.UpdatedAt = s.now()
	s.credentials[cred.ID] = cred
	return nil
}

func (s *Store) ClaimShare(_ context.Context, articleID string, platform domain.Platform, now time.Time, staleAfter time.Duration) (domain.ShareRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.shares {
		if rec.ArticleID != articleID || rec.Platform != platform {
			continue
		}
		if rec.Status == domain.SharePublished {
			return rec, false, nil
		}
		if rec.Status == domain.SharePending && rec.UpdatedAt.After(now.Add(-staleAfter)) {
			return rec, false, nil
		}
		rec.Status = domain.SharePending
		rec.Attempts++
		rec.Error = ""
		rec.UpdatedAt = now
		s.shares[id] = rec
		s.events = append(s.events, domain.ShareEvent{ShareID: id, Status: domain.SharePending, At: now})
		return rec, true, nil
	}

	rec := domain.ShareRecord{
		ID:        uuid.NewString(),
		ArticleID: articleID,
		Platform:  platform,
		Status:    domain.SharePending,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.shares[rec.ID] = rec
	s.events = append(s.events, domain.ShareEvent{ShareID: rec.ID, Status: domain.SharePending, At: now})
	return rec, true, nil
}

func (s *Store) CompleteShare(_ context.Context, shareID string, outcome domain.ShareOutcome) (domain.ShareRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.shares[shareID]
	if !ok {
		return domain.ShareRecord{}, fmt.Errorf("share %s: %w", shareID, domain.ErrNotFound)
	}
	rec.Status = outcome.Status
	rec.ExternalID = outcome.ExternalID
	rec.ExternalURL = outcome.ExternalURL
	rec.Error = outcome.Error
	rec.UpdatedAt = outcome.At
	if outcome.Status == domain.SharePublished {
		rec.SharedAt = outcome.At
	}
	s.shares[shareID] = rec
	s.events = append(s.events, domain.ShareEvent{ShareID: shareID, Status: outcome.Status, Error: outcome.Error, At: outcome.At})
	return rec, nil
}

func (s *Store) ListShares(_ context.Context, articleID string) ([]domain.ShareRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ShareRecord
	for _, rec := range s.shares {
		if rec.ArticleID == articleID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b domain.ShareRecord) int { return cmp.Compare(a.Platform, b.Platform) })
	return out, nil
}

func (s *Store) ListShareEvents(_ context.Context, shareID string) ([]domain.ShareEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ShareEvent
	for _, e := range s.events {
		if e.ShareID == shareID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListRetryable mirrors the Postgres query; limit <= 0 means no limit.
func (s *Store) ListRetryable(_ context.Context, maxAttempts, limit int) ([]domain.ShareRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ShareRecord
	for _, rec := range s.shares {
		if rec.Status == domain.ShareFailed && rec.Attempts < maxAttempts {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b domain.ShareRecord) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListSpamRules(_ context.Context) ([]domain.SpamRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rules), nil
}
