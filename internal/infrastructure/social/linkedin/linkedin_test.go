package linkedin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/platform"
)

func TestPublishReadsShareURNFromHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/ugcPosts", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "2.0.0", r.Header.Get("X-Restli-Protocol-Version"))

		var post struct {
			Author          string                    `json:"author"`
			LifecycleState  string                    `json:"lifecycleState"`
			SpecificContent map[string]map[string]any `json:"specificContent"`
			Visibility      map[string]string         `json:"visibility"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&post))
		assert.Equal(t, "urn:li:person:abc", post.Author)
		assert.Equal(t, "PUBLISHED", post.LifecycleState)
		assert.Equal(t, "PUBLIC", post.Visibility["com.linkedin.ugc.MemberNetworkVisibility"])
		share := post.SpecificContent["com.linkedin.ugc.ShareContent"]
		assert.Equal(t, "ARTICLE", share["shareMediaCategory"])
		assert.Equal(t, map[string]any{"text": "hello"}, share["shareCommentary"])

		w.Header().Set("X-RestLi-Id", "urn:li:share:123")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := New(Config{APIBase: srv.URL}, srv.Client())
	res, err := a.Publish(context.Background(), domain.Credential{AccessToken: "tok"}, "abc",
		domain.Payload{Text: "hello", Link: "https://news.example/a", Title: "A"})
	require.NoError(t, err)
	assert.Equal(t, domain.PublishResult{
		ExternalID: "urn:li:share:123",
		URL:        "https://www.linkedin.com/feed/update/urn:li:share:123/",
	}, res)
}

func TestPublishReadsShareURNFromBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"urn:li:share:456"}`)
	}))
	defer srv.Close()

	a := New(Config{APIBase: srv.URL}, srv.Client())
	res, err := a.Publish(context.Background(), domain.Credential{AccessToken: "tok"}, "abc", domain.Payload{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "urn:li:share:456", res.ExternalID)
}

func TestPublishWithoutURNFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := New(Config{APIBase: srv.URL}, srv.Client())
	_, err := a.Publish(context.Background(), domain.Credential{AccessToken: "tok"}, "abc", domain.Payload{Text: "hello"})

	var pubErr *domain.PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, "response carried no share urn", pubErr.Message)
}

func TestExchangeResolvesMember(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/oauth/v2/accessToken":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
			assert.Equal(t, "good-code", r.PostForm.Get("code"))
			assert.Equal(t, "cid", r.PostForm.Get("client_id"))
			fmt.Fprint(w, `{"access_token":"a1","refresh_token":"r1","token_type":"bearer","expires_in":5184000}`)
		case "/v2/userinfo":
			assert.Equal(t, "Bearer a1", r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"sub":"abc","name":"Relay Editor"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := New(Config{ClientID: "cid", ClientSecret: "sec", APIBase: srv.URL, TokenURL: srv.URL + "/oauth/v2/accessToken"}, srv.Client())
	cred, acct, err := a.Exchange(context.Background(), "good-code", "")
	require.NoError(t, err)
	assert.Equal(t, "a1", cred.AccessToken)
	assert.Equal(t, "r1", cred.RefreshToken)
	assert.Equal(t, "abc", cred.Subject)
	assert.Equal(t, domain.Account{ID: "abc", Handle: "Relay Editor"}, acct)
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("refresh_token") {
		case "r1":
			fmt.Fprint(w, `{"access_token":"a2","refresh_token":"r2","token_type":"bearer","expires_in":3600}`)
		case "throttled":
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"rate_limited"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
		}
	}))
	defer srv.Close()

	a := New(Config{ClientID: "cid", TokenURL: srv.URL}, srv.Client())

	next, err := a.Refresh(context.Background(), domain.Credential{ID: "cred-1", RefreshToken: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "a2", next.AccessToken)
	assert.Equal(t, "r2", next.RefreshToken)
	assert.Equal(t, "cred-1", next.ID)

	_, err = a.Refresh(context.Background(), domain.Credential{RefreshToken: "revoked"})
	assert.True(t, errors.Is(err, platform.ErrRefreshRejected))

	_, err = a.Refresh(context.Background(), domain.Credential{RefreshToken: "throttled"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, platform.ErrRefreshRejected))
}
