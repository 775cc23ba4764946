// Package api provides the reference HTTP server for the remote chunk service.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/chunksync/internal/api/common"
	v1 "github.com/stacklok/chunksync/internal/api/v1"
	"github.com/stacklok/chunksync/internal/remote"
	"github.com/stacklok/chunksync/pkg/versions"
)

// ServerOption configures the chunk API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	version     string
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithVersion overrides the version reported by /health
func WithVersion(version string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.version = version
	}
}

// NewServer creates and configures the HTTP router with the given service and options
func NewServer(svc remote.Service, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		version: versions.GetVersionInfo().Version,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler(svc, cfg.version))
	r.Mount("/api/v1", v1.Router(svc))

	return r
}

func healthHandler(svc remote.Service, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.HealthCheck(r.Context()); err != nil {
			common.WriteJSONResponse(w, remote.HealthResponse{Status: "unhealthy", Version: version},
				http.StatusServiceUnavailable)
			return
		}
		common.WriteJSONResponse(w, remote.HealthResponse{Status: "ok", Version: version}, http.StatusOK)
	}
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
