package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrArticleNotFound     = fmt.Errorf("article %w", ErrNotFound)
	ErrNotConnected        = errors.New("platform not connected")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// FetchError reports that a feed source could not be retrieved or parsed.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SummarizationKind classifies summarizer failures by recovery strategy.
type SummarizationKind string

const (
	// RateLimited items are retried with backoff inside the tick.
	RateLimited SummarizationKind = "rate_limited"
	// Malformed items are dropped.
	Malformed SummarizationKind = "malformed"
	// Unavailable items are requeued for the next tick.
	Unavailable SummarizationKind = "unavailable"
)

// SummarizationError wraps a failed summarizer call.
type SummarizationError struct {
	Kind       SummarizationKind
	RetryAfter time.Duration
	Err        error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarize (%s): %v", e.Kind, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// SummarizationKindOf extracts the failure kind, defaulting to Unavailable.
func SummarizationKindOf(err error) SummarizationKind {
	var sErr *SummarizationError
	if errors.As(err, &sErr) {
		return sErr.Kind
	}
	return Unavailable
}

// CredentialExpiredError means the provider rejected a refresh exchange and
// the account has to be reconnected.
type CredentialExpiredError struct {
	Platform Platform
	Err      error
}

func (e *CredentialExpiredError) Error() string {
	return fmt.Sprintf("%s credential expired: %v", e.Platform, e.Err)
}

func (e *CredentialExpiredError) Unwrap() error { return e.Err }

// PublishError carries the provider's message verbatim.
type PublishError struct {
	Platform   Platform
	StatusCode int
	Message    string
	Err        error
}

func (e *PublishError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s publish failed with status %d", e.Platform, e.StatusCode)
}

func (e *PublishError) Unwrap() error { return e.Err }
