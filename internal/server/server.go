// Package server provides HTTP server initialization and lifecycle management
// for the citegraph API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/config"
	"github.com/scrypster/citegraph/internal/engine"
	"github.com/scrypster/citegraph/web/handlers"
)

// Version is reported by /health.
const Version = "1.0.0"

// GraphService is the engine surface served over HTTP. *engine.Service
// satisfies it.
type GraphService interface {
	handlers.GraphService
	CacheStats() (engine.CacheStats, bool)
}

// BreakerReporter exposes upstream circuit states for /health.
// *arxiv.Client satisfies it.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// Deps are the components the server routes to.
type Deps struct {
	Graphs GraphService

	// Sessions enables /api/sessions when non-nil.
	Sessions handlers.SessionAPI

	// PaperSearch enables /api/graph/search when non-nil.
	PaperSearch handlers.PaperSearcher

	// Hub streams build progress on /ws. One is created when nil.
	Hub *handlers.WebSocketHub

	// Upstreams is optional.
	Upstreams BreakerReporter

	Logger *zap.Logger
}

// Server owns the HTTP listener and the websocket hub.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
	http   *http.Server

	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

// New builds the router and an unstarted server.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deps.Logger = logger
	if deps.Hub == nil {
		deps.Hub = handlers.NewWebSocketHub(cfg.Server.CORSOrigins, logger)
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		stopped: make(chan struct{}),
	}
	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Hub returns the build progress hub.
func (s *Server) Hub() *handlers.WebSocketHub {
	return s.deps.Hub
}

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Router returns the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(handlers.AccessLog(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.DevUserHeader, middleware.RequestIDHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := handlers.NewAuthenticator(s.cfg.Security, s.logger)

	// Not rate limited. Sockets with an identity also receive that user's
	// session builds.
	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.With(auth.IdentifyUser).Handle("/ws", s.deps.Hub)

	limiter := handlers.NewRateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst)
	api := handlers.NewAPIHandler(s.deps.Graphs, s.logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.Middleware)

		r.Get("/graph", api.Graph)
		r.Get("/paper", api.Paper)
		r.Get("/papers/search", api.Search)

		if s.deps.PaperSearch != nil {
			search := handlers.NewGraphSearchHandler(s.deps.PaperSearch, s.logger)
			r.With(auth.RequireUser).Get("/graph/search", search.Search)
		}

		if s.deps.Sessions != nil {
			sessions := handlers.NewSessionHandler(s.deps.Sessions, s.logger)
			r.Route("/sessions", func(r chi.Router) {
				r.Use(auth.RequireUser)
				sessions.Routes(r)
			})
		}
	})

	return r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string             `json:"status"`
	Version   string             `json:"version"`
	Sessions  bool               `json:"sessions"`
	Cache     *engine.CacheStats `json:"cache,omitempty"`
	Upstreams map[string]string  `json:"upstreams,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Version:  Version,
		Sessions: s.deps.Sessions != nil,
	}
	if stats, ok := s.deps.Graphs.CacheStats(); ok {
		resp.Cache = &stats
	}
	if s.deps.Upstreams != nil {
		resp.Upstreams = s.deps.Upstreams.BreakerStates()
		for _, state := range resp.Upstreams {
			if state == "open" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, s.logger, resp)
}

// Start listens on the configured address and serves until ctx is canceled
// or Shutdown is called. Returns the actual address being listened on
// (useful for testing with port 0).
func (s *Server) Start(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	addr := listener.Addr().String()

	go s.deps.Hub.Run()

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("server shutdown error", zap.Error(err))
			}
		case <-s.stopped:
		}
	}()

	s.logger.Info("http server listening", zap.String("addr", addr))
	return addr, nil
}

// Shutdown stops accepting connections, waits for in-flight requests and
// closes the websocket hub. Concurrent and later calls wait for the first
// one and return its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.http.Shutdown(ctx)
		s.deps.Hub.Stop()
		close(s.stopped)
		s.logger.Info("http server stopped")
	})
	return s.stopErr
}

// Done is closed once Shutdown has completed.
func (s *Server) Done() <-chan struct{} {
	return s.stopped
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode JSON response", zap.Error(err))
	}
}
