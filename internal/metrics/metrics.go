// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "articlerelay"

var (
	// IngestedItems counts feed entries by outcome (created, duplicate, dropped, requeued).
	IngestedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_items_total",
			Help:      "Feed entries processed by ingestion, by outcome",
		},
		[]string{"source", "outcome"},
	)

	// FetchErrors counts failed feed fetches.
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Feed fetches that failed",
		},
		[]string{"source"},
	)

	// SummarizerCalls counts summarizer attempts by result kind.
	SummarizerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarizer_calls_total",
			Help:      "Summarizer calls, by result",
		},
		[]string{"result"},
	)

	// TickDuration measures ingestion tick duration.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingestion_tick_duration_seconds",
			Help:      "Duration of ingestion ticks in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// TicksSkipped counts ticks dropped because one was already running.
	TicksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_ticks_skipped_total",
			Help:      "Ingestion ticks skipped while another tick was running",
		},
	)

	// ShareOutcomes counts share records reaching a status.
	ShareOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_outcomes_total",
			Help:      "Share record transitions, by platform and status",
		},
		[]string{"platform", "status"},
	)

	// CredentialRefreshes counts refresh exchanges by result.
	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Credential refresh exchanges, by platform and result",
		},
		[]string{"platform", "result"},
	)

	// ModerationVerdicts counts comment moderation decisions.
	ModerationVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_verdicts_total",
			Help:      "Comment moderation decisions",
		},
		[]string{"verdict"},
	)
)

// RecordItem records the outcome of one feed entry.
func RecordItem(source, outcome string) {
	IngestedItems.WithLabelValues(source, outcome).Inc()
}

// RecordTick records a finished tick.
func RecordTick(started time.Time) {
	TickDuration.Observe(time.Since(started).Seconds())
}

// RecordShare records a share status transition.
func RecordShare(platform, status string) {
	ShareOutcomes.WithLabelValues(platform, status).Inc()
}

// RecordRefresh records a refresh exchange.
func RecordRefresh(platform, result string) {
	CredentialRefreshes.WithLabelValues(platform, result).Inc()
}
