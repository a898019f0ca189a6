// Package httpapi serves the operational endpoints: health, metrics, the
// OAuth handshake for linked accounts, and manual share actions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/usecase"
)

const (
	stateCookie    = "relay_oauth_state"
	verifierCookie = "relay_oauth_verifier"
	handshakeTTL   = 10 * time.Minute
)

// Distribution is the share surface the server drives.
type Distribution interface {
	Publish(ctx context.Context, articleID string, platforms ...domain.Platform) (map[domain.Platform]domain.ShareRecord, error)
	OnArticlePublished(ctx context.Context, articleID string) (map[domain.Platform]domain.ShareRecord, error)
	RetryFailed(ctx context.Context) (int, error)
	Shares(ctx context.Context, articleID string) ([]domain.ShareRecord, error)
}

// Connections links and unlinks platform accounts.
type Connections interface {
	BeginAuthorization(p domain.Platform) (usecase.Authorization, error)
	CompleteAuthorization(ctx context.Context, p domain.Platform, code, verifier string) (domain.Connection, error)
	ConnectWithPassword(ctx context.Context, p domain.Platform, identifier, secret string) (domain.Connection, error)
	Deactivate(ctx context.Context, p domain.Platform) error
}

// Moderation screens comments.
type Moderation interface {
	Check(ctx context.Context, comment domain.Comment) (domain.Verdict, error)
}

// Server represents the operational HTTP server.
type Server struct {
	router       *chi.Mux
	distribution Distribution
	connections  Connections
	moderation   Moderation
	logger       *slog.Logger
	secure       bool
}

// New creates a server; secure marks handshake cookies Secure.
func New(distribution Distribution, connections Connections, moderation Moderation, secure bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		router:       chi.NewRouter(),
		distribution: distribution,
		connections:  connections,
		moderation:   moderation,
		logger:       logger,
		secure:       secure,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/connections/{platform}", func(r chi.Router) {
		r.Get("/authorize", s.handleAuthorize)
		r.Get("/callback", s.handleCallback)
		r.Post("/", s.handlePasswordConnect)
		r.Delete("/", s.handleDisconnect)
	})

	s.router.Route("/articles/{id}", func(r chi.Router) {
		r.Post("/distribute", s.handleDistribute)
		r.Post("/published", s.handlePublished)
		r.Get("/shares", s.handleShares)
	})
	s.router.Post("/shares/retry", s.handleRetry)
	s.router.Post("/comments/check", s.handleCommentCheck)
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p, ok := s.platformParam(w, r)
	if !ok {
		return
	}
	auth, err := s.connections.BeginAuthorization(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setCookie(w, stateCookie, auth.State, int(handshakeTTL.Seconds()))
	s.setCookie(w, verifierCookie, auth.Verifier, int(handshakeTTL.Seconds()))
	http.Redirect(w, r, auth.URL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := s.platformParam(w, r)
	if !ok {
		return
	}
	if msg := r.URL.Query().Get("error"); msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	state, err := r.Cookie(stateCookie)
	if err != nil || state.Value == "" || state.Value != r.URL.Query().Get("state") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "oauth state mismatch"})
		return
	}
	verifier, err := r.Cookie(verifierCookie)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "oauth verifier missing"})
		return
	}
	s.setCookie(w, stateCookie, "", -1)
	s.setCookie(w, verifierCookie, "", -1)

	conn, err := s.connections.CompleteAuthorization(r.Context(), p, r.URL.Query().Get("code"), verifier.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConnectionView(conn))
}

type passwordRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

func (s *Server) handlePasswordConnect(w http.ResponseWriter, r *http.Request) {
	p, ok := s.platformParam(w, r)
	if !ok {
		return
	}
	var req passwordRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Identifier == "" || req.Secret == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "identifier and secret are required"})
		return
	}
	conn, err := s.connections.ConnectWithPassword(r.Context(), p, req.Identifier, req.Secret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConnectionView(conn))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	p, ok := s.platformParam(w, r)
	if !ok {
		return
	}
	if err := s.connections.Deactivate(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var platforms []domain.Platform
	for _, raw := range r.URL.Query()["platform"] {
		p, err := domain.ParsePlatform(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		platforms = append(platforms, p)
	}
	results, err := s.distribution.Publish(r.Context(), chi.URLParam(r, "id"), platforms...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsView(results))
}

func (s *Server) handlePublished(w http.ResponseWriter, r *http.Request) {
	results, err := s.distribution.OnArticlePublished(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsView(results))
}

func (s *Server) handleShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.distribution.Shares(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]shareView, 0, len(shares))
	for _, rec := range shares {
		out = append(out, newShareView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	retried, err := s.distribution.RetryFailed(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": retried})
}

type commentRequest struct {
	ArticleID   string `json:"articleId"`
	Body        string `json:"body"`
	AuthorEmail string `json:"authorEmail"`
	AuthorIP    string `json:"authorIp"`
}

// handleCommentCheck answers accept or reject only; rule details stay
// internal.
func (s *Server) handleCommentCheck(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid comment payload"})
		return
	}
	if req.AuthorIP == "" {
		req.AuthorIP = hostOnly(r.RemoteAddr)
	}
	verdict, err := s.moderation.Check(r.Context(), domain.Comment{
		ArticleID:   req.ArticleID,
		Body:        req.Body,
		AuthorEmail: req.AuthorEmail,
		AuthorIP:    req.AuthorIP,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": verdict.Allowed})
}

func (s *Server) platformParam(w http.ResponseWriter, r *http.Request) (domain.Platform, bool) {
	p, err := domain.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return p, true
}

func (s *Server) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/connections",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnsupportedPlatform):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotConnected):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
