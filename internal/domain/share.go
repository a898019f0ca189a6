package domain

import "time"

// ShareStatus tracks a single (article, platform) distribution attempt.
type ShareStatus string

const (
	SharePending   ShareStatus = "PENDING"
	SharePublished ShareStatus = "PUBLISHED"
	ShareFailed    ShareStatus = "FAILED"
	ShareSkipped   ShareStatus = "SKIPPED"
)

// Terminal reports whether automatic processing leaves the status alone.
func (s ShareStatus) Terminal() bool {
	return s == SharePublished || s == ShareFailed || s == ShareSkipped
}

// Skip reasons recorded on SKIPPED share records.
const (
	SkipNotConnected      = "not connected"
	SkipCredentialExpired = "credential expired"
	SkipNotPublished      = "article not published"
)

// ShareRecord is the audit row for one article on one platform.
type ShareRecord struct {
	ID          string
	ArticleID   string
	Platform    Platform
	Status      ShareStatus
	ExternalID  string
	ExternalURL string
	Error       string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SharedAt    time.Time
}

// ShareOutcome is the terminal transition applied to a claimed record.
type ShareOutcome struct {
	Status      ShareStatus
	ExternalID  string
	ExternalURL string
	Error       string
	At          time.Time
}

// ShareEvent is an append-only log entry for a share record transition.
type ShareEvent struct {
	ShareID string
	Status  ShareStatus
	Error   string
	At      time.Time
}
