package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/platform"
)

const errorBodyLimit = 4096

// Client talks JSON to a platform API and maps failures onto PublishError.
type Client struct {
	platform  domain.Platform
	http      *http.Client
	userAgent string
}

// NewClient creates a reusable HTTP client with a finite timeout.
func NewClient(p domain.Platform, httpClient *http.Client, userAgent string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{platform: p, http: httpClient, userAgent: userAgent}
}

// HTTP exposes the underlying client for token exchanges.
func (c *Client) HTTP() *http.Client {
	return c.http
}

// Call sends payload (if any) and decodes the response into v (if any).
func (c *Client) Call(ctx context.Context, method, endpoint, token string, payload, v any, headers map[string]string) (http.Header, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.PublishError{Platform: c.platform, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = resp.Status
		}
		return resp.Header, &domain.PublishError{Platform: c.platform, StatusCode: resp.StatusCode, Message: message}
	}

	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Header, nil
	}

	// Some providers answer 201 with the id in a header and no body.
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return resp.Header, fmt.Errorf("decode response: %w", err)
	}
	return resp.Header, nil
}

// Rejected reports whether err is an authentication rejection rather than a
// transient failure.
func Rejected(err error) bool {
	var pubErr *domain.PublishError
	if errors.As(err, &pubErr) {
		return rejectedStatus(pubErr.StatusCode)
	}
	return false
}

// rejectedStatus covers invalid_grant and revoked tokens; throttling and
// timeouts stay transient.
func rejectedStatus(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusUnauthorized
}

// OAuthContext binds the client to token exchanges made by x/oauth2.
func (c *Client) OAuthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// Exchange trades an authorization code for a credential.
func (c *Client) Exchange(ctx context.Context, cfg *oauth2.Config, code, verifier string) (domain.Credential, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := cfg.Exchange(c.OAuthContext(ctx), code, opts...)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("exchange code: %w", err)
	}
	return FromToken(tok, ""), nil
}

// Refresh performs the provider's refresh_token grant.
func (c *Client) Refresh(ctx context.Context, cfg *oauth2.Config, cred domain.Credential) (domain.Credential, error) {
	if cred.RefreshToken == "" {
		return domain.Credential{}, fmt.Errorf("%w: no refresh token", platform.ErrRefreshRejected)
	}
	src := cfg.TokenSource(c.OAuthContext(ctx), &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil && rejectedStatus(rErr.Response.StatusCode) {
			return domain.Credential{}, fmt.Errorf("%w: %v", platform.ErrRefreshRejected, err)
		}
		return domain.Credential{}, fmt.Errorf("refresh token: %w", err)
	}

	next := FromToken(tok, cred.RefreshToken)
	next.ID = cred.ID
	next.Subject = cred.Subject
	return next, nil
}

// FromToken converts an oauth2 token, keeping the previous refresh token when
// the provider does not rotate it.
func FromToken(tok *oauth2.Token, previousRefresh string) domain.Credential {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	scope, _ := tok.Extra("scope").(string)
	return domain.Credential{
		Kind:         domain.CredentialOAuth2,
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.TokenType,
		Scope:        scope,
		ExpiresAt:    tok.Expiry,
	}
}

// OrDefault returns def when v is blank.
func OrDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
