package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/chunksync/internal/app/storage"
	"github.com/stacklok/chunksync/internal/config"
	"github.com/stacklok/chunksync/internal/connectivity"
	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/kv"
	"github.com/stacklok/chunksync/internal/remote"
	"github.com/stacklok/chunksync/internal/remote/httpremote"
	"github.com/stacklok/chunksync/internal/status"
	"github.com/stacklok/chunksync/internal/sync/coordinator"
	"github.com/stacklok/chunksync/internal/telemetry"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 15 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// EngineAppOption configures the engine app builder
type EngineAppOption func(*engineAppConfig) error

// engineAppConfig collects the builder inputs. Collaborators left nil are
// built from config.
type engineAppConfig struct {
	config  *config.Config
	manager config.Manager

	store     kv.Store
	remote    remote.Service
	oracle    connectivity.Oracle
	telemetry *telemetry.Telemetry
}

// WithConfig sets a static configuration
func WithConfig(c *config.Config) EngineAppOption {
	return func(cfg *engineAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithConfigManager takes the configuration from m and applies its reloads
func WithConfigManager(m config.Manager) EngineAppOption {
	return func(cfg *engineAppConfig) error {
		if m == nil {
			return fmt.Errorf("config manager cannot be nil")
		}
		cfg.manager = m
		cfg.config = m.GetConfig()
		return nil
	}
}

// WithStore overrides the state store (for testing)
func WithStore(s kv.Store) EngineAppOption {
	return func(cfg *engineAppConfig) error {
		cfg.store = s
		return nil
	}
}

// WithRemote overrides the remote chunk service (for testing)
func WithRemote(svc remote.Service) EngineAppOption {
	return func(cfg *engineAppConfig) error {
		cfg.remote = svc
		return nil
	}
}

// WithOracle overrides the connectivity oracle (for testing)
func WithOracle(o connectivity.Oracle) EngineAppOption {
	return func(cfg *engineAppConfig) error {
		cfg.oracle = o
		return nil
	}
}

// WithTelemetry sets the telemetry providers. The app shuts them down on Close.
func WithTelemetry(t *telemetry.Telemetry) EngineAppOption {
	return func(cfg *engineAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// NewEngineApp builds every collaborator of the sync engine. Nothing runs
// until Run is called; one-shot commands can use Coordinator directly.
func NewEngineApp(ctx context.Context, opts ...EngineAppOption) (*EngineApp, error) {
	b := &engineAppConfig{}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	settings, err := b.config.Engine.Settings()
	if err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}

	app := &EngineApp{
		config:  b.config,
		manager: b.manager,
		bus:     events.NewBus(),
	}

	// Release whatever was opened if a later step fails
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	app.telemetry = b.telemetry
	if app.telemetry == nil {
		app.telemetry, err = telemetry.New(ctx, telemetry.WithTelemetryConfig(b.config.Telemetry))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}

	app.store = b.store
	if app.store == nil {
		app.store, err = storage.NewStore(ctx, &b.config.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
	}

	svc := b.remote
	if svc == nil {
		svc, err = httpremote.New(b.config.Remote.Endpoint,
			httpremote.WithTimeout(b.config.Remote.GetTimeout()),
			httpremote.WithMinServerVersion(b.config.Remote.MinServerVersion),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote client: %w", err)
		}
	}

	app.remote = svc

	oracle := b.oracle
	if oracle == nil {
		oracle = connectivity.NewHTTPProbe(b.config.GetProbeURL(), b.config.Remote.GetTimeout())
	}

	coordOpts := []coordinator.Option{
		coordinator.WithPublisher(app.bus),
		coordinator.WithSettings(settings),
		coordinator.WithTracer(app.telemetry.Tracer(telemetry.TracerName)),
	}
	syncMetrics, err := telemetry.NewSyncMetrics(app.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create sync metrics: %w", err)
	}
	if syncMetrics != nil {
		coordOpts = append(coordOpts, coordinator.WithSyncMetrics(syncMetrics))
	}

	persistence := status.NewStatePersistence(app.store, b.config.Engine.StateKey)
	app.coordinator, err = coordinator.New(ctx, svc, persistence, oracle, coordOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync coordinator: %w", err)
	}

	app.scheduler = coordinator.NewScheduler(app.coordinator, app.bus, b.config.Engine.GetInterval())
	app.monitor = connectivity.NewMonitor(oracle, app.bus, b.config.Connectivity.GetInterval())
	app.metricsServer = buildMetricsServer(app.telemetry)

	if app.manager != nil {
		app.manager.OnChange(app.applyConfig)
	}

	cleanupNeeded = false
	slog.Info("Sync engine assembled",
		"remote", b.config.Remote.Endpoint,
		"store", b.config.Store.Type,
		"interval", app.scheduler.Interval())
	return app, nil
}

// buildMetricsServer exposes the Prometheus registry on its own listener,
// or returns nil when Prometheus is disabled
func buildMetricsServer(t *telemetry.Telemetry) *http.Server {
	handler, address, ok := t.PrometheusHandler()
	if !ok {
		return nil
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", handler)

	slog.Info("Prometheus metrics endpoint configured", "address", address)
	return &http.Server{
		Addr:         address,
		Handler:      r,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
}
