package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/stacklok/chunksync/internal/api"
	"github.com/stacklok/chunksync/internal/remote/inmemory"
	"github.com/stacklok/chunksync/internal/telemetry"
	"github.com/stacklok/chunksync/pkg/versions"
)

const (
	serverRequestTimeout = 10 * time.Second
	serverReadTimeout    = 10 * time.Second
	serverWriteTimeout   = 15 * time.Second
	serverIdleTimeout    = 60 * time.Second
)

type serveRemoteOptions struct {
	address     string
	version     string
	otlpEnabled bool
	endpoint    string
}

func newServeRemoteCmd() *cobra.Command {
	opts := &serveRemoteOptions{}

	cmd := &cobra.Command{
		Use:   "serve-remote",
		Short: "Serve an in-memory chunk service over HTTP",
		Long: `Serve the reference chunk service API backed by memory. It is meant for
development and end-to-end testing of the engine.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeRemote(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.address, "address", ":8090", "Address to listen on")
	cmd.Flags().StringVar(&opts.version, "server-version", "", "Version reported by /health (defaults to the build version)")
	cmd.Flags().BoolVar(&opts.otlpEnabled, "otlp", false, "Export traces and metrics over OTLP HTTP")
	cmd.Flags().StringVar(&opts.endpoint, "otlp-endpoint", telemetry.DefaultEndpoint, "OTLP HTTP endpoint")
	return cmd
}

func runServeRemote(ctx context.Context, opts *serveRemoteOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	version := opts.version
	if version == "" {
		version = versions.GetVersionInfo().Version
	}

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(&telemetry.Config{
		Enabled:        opts.otlpEnabled,
		ServiceName:    "chunksync-remote",
		ServiceVersion: version,
		Endpoint:       opts.endpoint,
		Insecure:       true,
		Tracing:        &telemetry.TracingConfig{Enabled: true, Sampling: 1},
		Metrics:        &telemetry.MetricsConfig{Enabled: true},
	}))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	middlewares := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(serverRequestTimeout),
		telemetry.TracingMiddleware(tel.TracerProvider()),
		api.LoggingMiddleware,
	}
	metricsMiddleware, err := telemetry.MetricsMiddleware(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics middleware: %w", err)
	}
	if metricsMiddleware != nil {
		middlewares = append([]func(http.Handler) http.Handler{metricsMiddleware}, middlewares...)
	}

	server := &http.Server{
		Addr:         opts.address,
		Handler:      api.NewServer(inmemory.New(inmemory.WithVersion(version)), api.WithVersion(version), api.WithMiddlewares(middlewares...)),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Reference chunk service listening", "address", opts.address, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down reference chunk service")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
