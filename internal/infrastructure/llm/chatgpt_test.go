package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
)

func newTestSummarizer(t *testing.T, handler http.HandlerFunc) *ChatGPTSummarizer {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewChatGPTSummarizer(config.SummarizerConfig{
		Endpoint: server.URL,
		Model:    "test-model",
		APIKey:   "secret",
	}, server.Client())
}

func reply(w http.ResponseWriter, content string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
}

func kindOf(t *testing.T, err error) domain.SummarizationKind {
	t.Helper()
	var sErr *domain.SummarizationError
	require.True(t, errors.As(err, &sErr), "expected SummarizationError, got %v", err)
	return sErr.Kind
}

func TestSummarizeParsesFencedDraft(t *testing.T) {
	t.Parallel()

	s := newTestSummarizer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1]["content"], "https://example.com/a")

		reply(w, "```json\n{\"title\":\" Go 1.26 ships \",\"body\":\"Body text.\",\"category\":\"Programming Languages\",\"tags\":[\"go\",\" \",\"release\"]}\n```")
	})

	draft, err := s.Summarize(context.Background(), domain.IngestedItem{
		Title:      "Go 1.26",
		URL:        "https://example.com/a",
		RawSummary: "The Go team released 1.26.",
	})
	require.NoError(t, err)
	assert.Equal(t, "Go 1.26 ships", draft.Title)
	assert.Equal(t, "Body text.", draft.Body)
	assert.Equal(t, "programming-languages", draft.CategorySlug)
	assert.Equal(t, []string{"go", "release"}, draft.Tags)
}

func TestSummarizeClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    domain.SummarizationKind
	}{
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			want: domain.RateLimited,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			want: domain.Unavailable,
		},
		{
			name: "auth failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad key", http.StatusUnauthorized)
			},
			want: domain.Unavailable,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				reply(w, "Sure! Here is your article.")
			},
			want: domain.Malformed,
		},
		{
			name: "missing body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				reply(w, `{"title":"Only a title"}`)
			},
			want: domain.Malformed,
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"choices":[]}`))
			},
			want: domain.Malformed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := newTestSummarizer(t, tc.handler)
			_, err := s.Summarize(context.Background(), domain.IngestedItem{Title: "x", URL: "https://example.com"})
			require.Error(t, err)
			assert.Equal(t, tc.want, kindOf(t, err))
		})
	}
}

func TestSummarizeRateLimitCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	s := newTestSummarizer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := s.Summarize(context.Background(), domain.IngestedItem{Title: "x"})

	var sErr *domain.SummarizationError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, 7*time.Second, sErr.RetryAfter)
}

func TestSummarizeMisconfigured(t *testing.T) {
	t.Parallel()

	s := NewChatGPTSummarizer(config.SummarizerConfig{Endpoint: "http://127.0.0.1:1"}, nil)
	_, err := s.Summarize(context.Background(), domain.IngestedItem{})
	assert.Equal(t, domain.Unavailable, kindOf(t, err))
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, retryAfter("30", now))
	assert.Equal(t, 90*time.Second, retryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, retryAfter("", now))
	assert.Zero(t, retryAfter("soon", now))
}
