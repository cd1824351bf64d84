// Package api wires Forge's HTTP surface: a chi router exposing one
// agent's lifecycle (create, initialize, inspect state, queue
// messages, cancel), its websocket event stream, and the GitHub export
// pipeline, fronted by CORS, CSRF and rate-limit middleware.
//
// Built with functional-options construction, a chi.Router assembled
// once in NewServer, go-chi/v5's middleware.RequestID/RealIP/Recoverer/
// Timeout stack plus a custom slog request logger, an explicit
// allowed-origins CORS policy, and graceful ListenAndServe shutdown on
// context cancellation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	apimw "github.com/forgecode/forge/internal/api/middleware"
	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/manager"
	"github.com/forgecode/forge/internal/screenshot"
)

// Server is Forge's HTTP front door.
type Server struct {
	router chi.Router
	logger *slog.Logger

	agents      *manager.Manager
	rateLimit   core.RateLimitStore
	rateCfg     RateLimits
	csrf        *apimw.CSRF
	exporter    core.GitHubExporter
	screenshots *screenshot.Service

	upgrader websocket.Upgrader
}

// RateLimits bundles the two sliding-window configs the API enforces.
type RateLimits struct {
	Global core.RateLimitConfig
	Agent  core.RateLimitConfig
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRateLimit wires the rate-limit store and its configs.
func WithRateLimit(store core.RateLimitStore, cfg RateLimits) Option {
	return func(s *Server) {
		s.rateLimit = store
		s.rateCfg = cfg
	}
}

// WithCSRF wires CSRF protection.
func WithCSRF(csrf *apimw.CSRF) Option {
	return func(s *Server) { s.csrf = csrf }
}

// WithGitHubExporter wires the export pipeline.
func WithGitHubExporter(exporter core.GitHubExporter) Option {
	return func(s *Server) { s.exporter = exporter }
}

// WithScreenshots wires the screenshot capture service.
func WithScreenshots(svc *screenshot.Service) Option {
	return func(s *Server) { s.screenshots = svc }
}

// NewServer builds a Server backed by agents (the process-wide agent
// pool) and allowedOrigins.
func NewServer(agents *manager.Manager, allowedOrigins []string, opts ...Option) *Server {
	s := &Server{
		agents:   agents,
		logger:   slog.Default(),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter(allowedOrigins)
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter(allowedOrigins []string) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	if s.csrf != nil {
		r.Use(s.csrf.Middleware)
	}

	if s.rateLimit != nil {
		r.Use(apimw.RateLimit(s.rateLimit, s.rateCfg.Global, func(r *http.Request) string {
			return "global:" + chimw.GetReqID(r.Context())
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1/agents", func(r chi.Router) {
		r.Post("/", s.handleCreateAgent)

		r.Route("/{agentId}", func(r chi.Router) {
			if s.rateLimit != nil {
				r.Use(apimw.RateLimit(s.rateLimit, s.rateCfg.Agent, func(r *http.Request) string {
					return "agent:" + chi.URLParam(r, "agentId")
				}))
			}
			r.Use(apimw.AgentContext(s.agents, s.logger))

			r.Post("/initialize", s.handleInitializeAgent)
			r.Get("/", s.handleGetAgentState)
			r.Post("/generate", s.handleGenerateAllFiles)
			r.Post("/cancel", s.handleCancelAgent)
			r.Patch("/blueprint", s.handleUpdateBlueprint)
			r.Post("/messages", s.handleQueueMessage)
			r.Post("/chat", s.handleProcessChatTurn)
			r.Post("/export", s.handleGitHubExport)
			r.Get("/export/status", s.handleGitHubExportStatus)
			r.Post("/screenshot", s.handleCaptureScreenshot)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsCategory(err, core.ErrCatValidation):
		status = http.StatusBadRequest
	case core.IsCategory(err, core.ErrCatNotFound):
		status = http.StatusNotFound
	case core.IsCategory(err, core.ErrCatState):
		status = http.StatusConflict
	case core.IsCategory(err, core.ErrCatSecurity):
		status = http.StatusForbidden
	case core.IsCategory(err, core.ErrCatRateLimit):
		status = http.StatusTooManyRequests
	case core.IsCategory(err, core.ErrCatTimeout):
		status = http.StatusGatewayTimeout
	case core.IsCategory(err, core.ErrCatUnavailable):
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the HTTP server, shutting down gracefully when
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
