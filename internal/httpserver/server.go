package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/blackmichael/statusphere/internal/config"
	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/blackmichael/statusphere/internal/firehose"
	"github.com/blackmichael/statusphere/internal/webhook"
	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Authenticator signs browsers in and mints write capabilities.
type Authenticator interface {
	Login(w http.ResponseWriter, r *http.Request, identifier, password string) (*domain.Session, error)
	Logout(w http.ResponseWriter, r *http.Request) error
	CurrentDID(r *http.Request) (string, bool)
	Capability(ctx context.Context, did string) (domain.RepoWriter, error)
}

// HandleResolver maps between handles and DIDs.
type HandleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)

	// Handle returns the verified handle of did, or did itself.
	Handle(ctx context.Context, did string) string
}

// WebhookManager registers and lists account webhooks.
type WebhookManager interface {
	Create(ctx context.Context, did, url, secret, events string) (*domain.Webhook, error)
	List(ctx context.Context, did string) ([]domain.Webhook, error)
	Delete(ctx context.Context, id int64, did string) error
}

// FirehoseStatus reports the ingestion pipeline's state for /health.
type FirehoseStatus interface {
	State() firehose.State
	Cursor() int64
}

// Pinger checks the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the HTTP API is built on. Firehose is nil when
// ingestion is disabled.
type Deps struct {
	Statuses *domain.StatusService
	Auth     Authenticator
	Handles  HandleResolver
	Webhooks WebhookManager
	Store    Pinger
	Firehose FirehoseStatus
}

// Server is the HTTP server for the status JSON API.
type Server struct {
	cfg        *config.Config
	statuses   *domain.StatusService
	auth       Authenticator
	handles    HandleResolver
	webhooks   WebhookManager
	store      Pinger
	firehose   FirehoseStatus
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		statuses: deps.Statuses,
		auth:     deps.Auth,
		handles:  deps.Handles,
		webhooks: deps.Webhooks,
		store:    deps.Store,
		firehose: deps.Firehose,
		logger:   logger,
	}

	limiter := newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow, cfg.TrustProxy)
	limited := func(h http.HandlerFunc) http.Handler {
		return limiter.middleware(logger, h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /login", limited(s.handleLogin))
	mux.HandleFunc("POST /logout", s.handleLogout)

	mux.Handle("POST /status", limited(s.handleCreateStatus))
	mux.Handle("POST /status/delete", limited(s.handleDeleteStatus))
	mux.Handle("POST /status/clear", limited(s.handleClearStatus))
	mux.HandleFunc("POST /admin/hide-status", s.handleHideStatus)

	mux.HandleFunc("GET /api/feed", s.handleFeed)
	mux.HandleFunc("GET /api/status", s.handleOwnerStatus)
	mux.HandleFunc("GET /{user}/json", s.handleUserStatus)
	mux.HandleFunc("GET /api/users/{did}/history", s.handleHistory)
	mux.HandleFunc("GET /api/status/{did}/{rkey}", s.handlePermalink)
	mux.HandleFunc("GET /api/frequent-emojis", s.handleFrequentEmojis)

	mux.HandleFunc("GET /api/preferences", s.handleGetPreferences)
	mux.Handle("POST /api/preferences", limited(s.handleSavePreferences))

	mux.HandleFunc("GET /api/webhooks", s.handleListWebhooks)
	mux.HandleFunc("POST /api/webhooks", s.handleCreateWebhook)
	mux.HandleFunc("DELETE /api/webhooks/{id}", s.handleDeleteWebhook)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withLogging(logger, withMetrics(mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": versioninfo.Short(),
	}
	code := http.StatusOK

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Error("health check: store unreachable", "error", err)
			resp["status"] = "degraded"
			resp["store"] = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}

	if s.firehose != nil {
		resp["firehose"] = s.firehose.State().String()
		resp["cursor"] = s.firehose.Cursor()
	} else {
		resp["firehose"] = "disabled"
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

// fail maps a service error to a response. Unexpected errors are logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, action string) {
	var rwe *domain.RemoteWriteError
	if errors.As(err, &rwe) {
		switch rwe.Kind {
		case domain.RemoteUnauthorized:
			writeError(w, http.StatusUnauthorized, "AuthRequired", "your session was rejected, sign in again")
		case domain.RemoteInvalid:
			writeError(w, http.StatusBadRequest, "InvalidRequest", rwe.Err.Error())
		default:
			s.logger.Error("remote write failed", "action", action, "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "UpstreamFailure", "could not reach your repository, try again")
		}
		return
	}

	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidPreferences),
		errors.Is(err, domain.ErrInvalidCursor),
		errors.Is(err, webhook.ErrInvalidWebhook):
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "not found")
	default:
		s.logger.Error("request failed", "action", action, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to "+action)
	}
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
