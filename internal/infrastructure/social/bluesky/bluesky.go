package bluesky

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/infrastructure/social"
	"ArticleRelay/internal/platform"
)

const (
	defaultPDS      = "https://bsky.social"
	postURLPattern  = "https://bsky.app/profile/%s/post/%s"
	postCollection  = "app.bsky.feed.post"
	facetLinkType   = "app.bsky.richtext.facet#link"
	facetTagType    = "app.bsky.richtext.facet#tag"
	embedExternType = "app.bsky.embed.external"
)

var limits = platform.Limits{MaxChars: 300, MaxHashtags: 3, LinkInText: true}

// Config points the adapter at a PDS.
type Config struct {
	PDSURL string
}

// Adapter posts to the AT Protocol with app-password sessions.
type Adapter struct {
	client *social.Client
	pds    string
	now    func() time.Time
}

var (
	_ platform.Adapter           = (*Adapter)(nil)
	_ platform.Refresher         = (*Adapter)(nil)
	_ platform.PasswordConnector = (*Adapter)(nil)
)

func New(cfg Config, httpClient *http.Client) *Adapter {
	return &Adapter{
		client: social.NewClient(domain.PlatformBluesky, httpClient, "ArticleRelay/1.0"),
		pds:    strings.TrimSuffix(social.OrDefault(cfg.PDSURL, defaultPDS), "/"),
		now:    time.Now,
	}
}

func (a *Adapter) Platform() domain.Platform {
	return domain.PlatformBluesky
}

func (a *Adapter) FormatPayload(article domain.Article, link string) domain.Payload {
	return platform.Compose(article, link, limits)
}

type session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

// Connect opens a session with the handle and app password. The password is
// kept so an expired refresh token can be replaced by a fresh session.
func (a *Adapter) Connect(ctx context.Context, identifier, secret string) (domain.Credential, domain.Account, error) {
	sess, err := a.createSession(ctx, identifier, secret)
	if err != nil {
		return domain.Credential{}, domain.Account{}, err
	}
	cred := a.credential(sess)
	cred.Subject = identifier
	cred.Secret = secret
	return cred, domain.Account{ID: sess.DID, Handle: "@" + sess.Handle}, nil
}

// Refresh renews the session, falling back to a new login with the stored
// app password when the refresh token is no longer accepted.
func (a *Adapter) Refresh(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	if cred.RefreshToken != "" {
		var sess session
		_, err := a.client.Call(ctx, http.MethodPost, a.xrpc("com.atproto.server.refreshSession"), cred.RefreshToken, nil, &sess, nil)
		if err == nil {
			return a.renewed(cred, sess), nil
		}
		if !social.Rejected(err) {
			return domain.Credential{}, fmt.Errorf("refresh session: %w", err)
		}
	}

	if cred.Subject == "" || cred.Secret == "" {
		return domain.Credential{}, fmt.Errorf("%w: session expired and no app password stored", platform.ErrRefreshRejected)
	}
	sess, err := a.createSession(ctx, cred.Subject, cred.Secret)
	if err != nil {
		if social.Rejected(err) {
			return domain.Credential{}, fmt.Errorf("%w: %v", platform.ErrRefreshRejected, err)
		}
		return domain.Credential{}, err
	}
	return a.renewed(cred, sess), nil
}

// Publish writes a post record with link and tag facets plus a link card.
func (a *Adapter) Publish(ctx context.Context, cred domain.Credential, accountID string, payload domain.Payload) (domain.PublishResult, error) {
	record := map[string]any{
		"$type":     postCollection,
		"text":      payload.Text,
		"createdAt": a.now().UTC().Format(time.RFC3339),
		"langs":     []string{"en"},
	}
	if facets := Facets(payload); len(facets) > 0 {
		record["facets"] = facets
	}
	if payload.Link != "" {
		record["embed"] = map[string]any{
			"$type": embedExternType,
			"external": map[string]string{
				"uri":         payload.Link,
				"title":       payload.Title,
				"description": "",
			},
		}
	}

	body := map[string]any{
		"repo":       accountID,
		"collection": postCollection,
		"record":     record,
	}
	var resp struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if _, err := a.client.Call(ctx, http.MethodPost, a.xrpc("com.atproto.repo.createRecord"), cred.AccessToken, body, &resp, nil); err != nil {
		return domain.PublishResult{}, err
	}
	if resp.URI == "" {
		return domain.PublishResult{}, &domain.PublishError{Platform: domain.PlatformBluesky, Message: "response carried no record uri"}
	}
	return domain.PublishResult{
		ExternalID: resp.URI,
		URL:        fmt.Sprintf(postURLPattern, accountID, path.Base(resp.URI)),
	}, nil
}

// Facet annotates a byte range of the post text.
type Facet struct {
	Index    ByteSlice `json:"index"`
	Features []Feature `json:"features"`
}

// ByteSlice is a half-open range of UTF-8 byte offsets.
type ByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type Feature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

// Facets locates the link and hashtags inside the post text. Offsets are in
// UTF-8 bytes, which is what Go string indexes already are.
func Facets(payload domain.Payload) []Facet {
	var out []Facet
	if payload.Link != "" {
		if i := strings.LastIndex(payload.Text, payload.Link); i >= 0 {
			out = append(out, Facet{
				Index:    ByteSlice{ByteStart: i, ByteEnd: i + len(payload.Link)},
				Features: []Feature{{Type: facetLinkType, URI: payload.Link}},
			})
		}
	}
	// Tags are matched inside the trailing hashtag block so a title that
	// mentions #Go does not steal the facet.
	from := 0
	if block := strings.Join(payload.Hashtags, " "); block != "" {
		if i := strings.LastIndex(payload.Text, block); i >= 0 {
			from = i
		}
	}
	for _, tag := range payload.Hashtags {
		start := indexTag(payload.Text, tag, from)
		if start < 0 {
			continue
		}
		out = append(out, Facet{
			Index:    ByteSlice{ByteStart: start, ByteEnd: start + len(tag)},
			Features: []Feature{{Type: facetTagType, Tag: strings.TrimPrefix(tag, "#")}},
		})
		from = start + len(tag)
	}
	return out
}

// indexTag finds tag at or after from, skipping matches that are a prefix of
// a longer tag (#Go inside #Golang).
func indexTag(text, tag string, from int) int {
	for from < len(text) {
		i := strings.Index(text[from:], tag)
		if i < 0 {
			return -1
		}
		start := from + i
		end := start + len(tag)
		if next, _ := utf8.DecodeRuneInString(text[end:]); end == len(text) || !tagRune(next) {
			return start
		}
		from = start + 1
	}
	return -1
}

func tagRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (a *Adapter) createSession(ctx context.Context, identifier, password string) (session, error) {
	var sess session
	body := map[string]string{"identifier": identifier, "password": password}
	if _, err := a.client.Call(ctx, http.MethodPost, a.xrpc("com.atproto.server.createSession"), "", body, &sess, nil); err != nil {
		return session{}, fmt.Errorf("create session: %w", err)
	}
	if sess.AccessJwt == "" {
		return session{}, errors.New("create session: empty access token")
	}
	return sess, nil
}

func (a *Adapter) credential(sess session) domain.Credential {
	return domain.Credential{
		Kind:         domain.CredentialAppPassword,
		AccessToken:  sess.AccessJwt,
		RefreshToken: sess.RefreshJwt,
		TokenType:    "Bearer",
		ExpiresAt:    TokenExpiry(sess.AccessJwt),
	}
}

func (a *Adapter) renewed(prev domain.Credential, sess session) domain.Credential {
	next := a.credential(sess)
	next.ID = prev.ID
	next.Subject = prev.Subject
	next.Secret = prev.Secret
	return next
}

func (a *Adapter) xrpc(method string) string {
	return a.pds + "/xrpc/" + method
}

// TokenExpiry reads the exp claim without verifying the signature; the PDS is
// the only party that can verify it. Unparseable tokens yield a zero time.
func TokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
