package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
)

const (
	maxSourceChars = 12000
	errorBodyLimit = 1024

	defaultSystemPrompt = `You are an editor for a news site. Rewrite the supplied feed entry as an original draft article.
Reply with a single JSON object and nothing else:
{"title": string, "body": string, "category": string, "tags": [string]}
"body" is plain text in short paragraphs separated by blank lines. "category" is a lowercase slug. Give at most five tags.`
)

// ChatGPTSummarizer implements ports.Summarizer against OpenAI-compatible
// chat completion APIs.
type ChatGPTSummarizer struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

var _ ports.Summarizer = (*ChatGPTSummarizer)(nil)

// NewChatGPTSummarizer builds a summarizer from configuration. A nil client
// gets the configured timeout.
func NewChatGPTSummarizer(cfg config.SummarizerConfig, httpClient *http.Client) *ChatGPTSummarizer {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return &ChatGPTSummarizer{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: safePrompt(cfg.SystemPrompt),
		httpClient:   httpClient,
		limiter:      limiter,
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type draftPayload struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

// Summarize sends one entry and parses the JSON draft out of the reply.
func (c *ChatGPTSummarizer) Summarize(ctx context.Context, item domain.IngestedItem) (domain.Draft, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return domain.Draft{}, unavailable(errors.New("summarizer misconfigured"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Draft{}, unavailable(fmt.Errorf("wait for rate limiter: %w", err))
	}

	body, err := json.Marshal(map[string]any{
		"model":       c.model,
		"temperature": 0.3,
		"messages": []map[string]string{
			{"role": "system", "content": c.systemPrompt},
			{"role": "user", "content": userPrompt(item)},
		},
	})
	if err != nil {
		return domain.Draft{}, unavailable(fmt.Errorf("marshal chat payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Draft{}, unavailable(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Draft{}, unavailable(fmt.Errorf("send chat request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.Draft{}, &domain.SummarizationError{
			Kind:       domain.RateLimited,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        fmt.Errorf("chat api returned %s", resp.Status),
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return domain.Draft{}, unavailable(fmt.Errorf("chat api error %s: %s", resp.Status, strings.TrimSpace(string(payload))))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.Draft{}, malformed(fmt.Errorf("decode chat response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return domain.Draft{}, malformed(errors.New("chat response has no choices"))
	}
	return ParseDraft(parsed.Choices[0].Message.Content)
}

// ParseDraft decodes the model's JSON reply, tolerating a markdown fence
// around it.
func ParseDraft(content string) (domain.Draft, error) {
	var payload draftPayload
	if err := json.Unmarshal([]byte(stripFence(content)), &payload); err != nil {
		return domain.Draft{}, malformed(fmt.Errorf("parse draft json: %w", err))
	}

	draft := domain.Draft{
		Title:        strings.TrimSpace(payload.Title),
		Body:         strings.TrimSpace(payload.Body),
		CategorySlug: slug(payload.Category),
	}
	if draft.Title == "" || draft.Body == "" {
		return domain.Draft{}, malformed(errors.New("draft is missing title or body"))
	}
	for _, tag := range payload.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			draft.Tags = append(draft.Tags, tag)
		}
	}
	return draft, nil
}

func userPrompt(item domain.IngestedItem) string {
	text := item.SourceText()
	if runes := []rune(text); len(runes) > maxSourceChars {
		text = string(runes[:maxSourceChars])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", item.Title)
	fmt.Fprintf(&b, "URL: %s\n", item.URL)
	if len(item.Categories) > 0 {
		fmt.Fprintf(&b, "Feed categories: %s\n", strings.Join(item.Categories, ", "))
	}
	b.WriteString("\n")
	b.WriteString(text)
	return b.String()
}

func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if nl := strings.IndexByte(content, '\n'); nl >= 0 {
		content = content[nl+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

func slug(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return strings.Join(fields, "-")
}

// retryAfter accepts both delta-seconds and HTTP-date forms.
func retryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func unavailable(err error) error {
	return &domain.SummarizationError{Kind: domain.Unavailable, Err: err}
}

func malformed(err error) error {
	return &domain.SummarizationError{Kind: domain.Malformed, Err: err}
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return defaultSystemPrompt
	}
	return prompt
}
