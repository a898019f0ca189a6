package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ArticleRelay/internal/domain"
)

func TestMessageURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://t.me/golangnews/42", MessageURL("@golangnews", 42))
	assert.Equal(t, "https://t.me/c/1234/7", MessageURL("-1001234", 7))
	assert.Empty(t, MessageURL("12345", 7))
}

func botServer(t *testing.T, send string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			assert.Equal(t, "@golangnews", r.FormValue("chat_id"))
			fmt.Fprint(w, send)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectAndPublish(t *testing.T) {
	t.Parallel()

	srv := botServer(t, `{"ok":true,"result":{"message_id":42,"date":1,"chat":{"id":-100,"type":"channel"}}}`)
	a := New(Config{APIEndpoint: srv.URL + "/bot%s/%s"}, srv.Client())

	cred, acct, err := a.Connect(context.Background(), " @golangnews ", "123:abc")
	require.NoError(t, err)
	assert.Equal(t, domain.CredentialBotToken, cred.Kind)
	assert.Equal(t, "relay_bot", cred.Subject)
	assert.Equal(t, "@golangnews", acct.ID)

	res, err := a.Publish(context.Background(), cred, acct.ID, domain.Payload{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, domain.PublishResult{ExternalID: "42", URL: "https://t.me/golangnews/42"}, res)
}

func TestPublishErrorIsVerbatim(t *testing.T) {
	t.Parallel()

	srv := botServer(t, `{"ok":false,"error_code":403,"description":"Forbidden: bot is not a member of the channel chat"}`)
	a := New(Config{APIEndpoint: srv.URL + "/bot%s/%s"}, srv.Client())

	_, err := a.Publish(context.Background(), domain.Credential{Secret: "123:abc"}, "@golangnews", domain.Payload{Text: "hello"})

	var pubErr *domain.PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, 403, pubErr.StatusCode)
	assert.Equal(t, "Forbidden: bot is not a member of the channel chat", pubErr.Message)
}

func TestEmptyTokenIsRejected(t *testing.T) {
	t.Parallel()

	a := New(Config{}, nil)
	_, err := a.Publish(context.Background(), domain.Credential{}, "@golangnews", domain.Payload{Text: "x"})

	var pubErr *domain.PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, http.StatusUnauthorized, pubErr.StatusCode)
}
