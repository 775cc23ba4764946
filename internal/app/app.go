// Package app assembles the sync engine from configuration and runs its
// background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/chunksync/internal/config"
	"github.com/stacklok/chunksync/internal/connectivity"
	"github.com/stacklok/chunksync/internal/events"
	"github.com/stacklok/chunksync/internal/kv"
	"github.com/stacklok/chunksync/internal/remote"
	"github.com/stacklok/chunksync/internal/sync/coordinator"
	"github.com/stacklok/chunksync/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// EngineApp owns the coordinator and everything that drives it
type EngineApp struct {
	config  *config.Config
	manager config.Manager

	bus           *events.Bus
	store         kv.Store
	remote        remote.Service
	telemetry     *telemetry.Telemetry
	coordinator   *coordinator.Coordinator
	scheduler     *coordinator.Scheduler
	monitor       *connectivity.Monitor
	metricsServer *http.Server
}

// Run starts the scheduler, the connectivity monitor, the config watcher and
// the metrics server. It blocks until ctx is cancelled or one of them fails.
func (a *EngineApp) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.scheduler.Start(gctx)
	})

	g.Go(func() error {
		return a.monitor.Run(gctx)
	})

	if a.manager != nil {
		g.Go(func() error {
			return a.manager.WatchConfig(gctx)
		})
	}

	if a.metricsServer != nil {
		listener, err := net.Listen("tcp", a.metricsServer.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.metricsServer.Addr, err)
		}
		g.Go(func() error {
			slog.Info("Metrics server listening", "address", listener.Addr().String())
			if err := a.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return a.metricsServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close releases the store, the config watcher and the telemetry providers
func (a *EngineApp) Close(ctx context.Context) error {
	var errs []error

	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close state store: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Coordinator returns the sync coordinator
func (a *EngineApp) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// Remote returns the chunk service the coordinator syncs with
func (a *EngineApp) Remote() remote.Service {
	return a.remote
}

// Scheduler returns the auto-sync scheduler
func (a *EngineApp) Scheduler() *coordinator.Scheduler {
	return a.scheduler
}

// Bus returns the event bus engine events are published on
func (a *EngineApp) Bus() *events.Bus {
	return a.bus
}

// GetConfig returns the configuration the app was built with
func (a *EngineApp) GetConfig() *config.Config {
	return a.config
}

// applyConfig applies a reloaded configuration. Only engine settings and the
// interval take effect at runtime; remote and store changes need a restart.
func (a *EngineApp) applyConfig(cfg *config.Config) {
	settings, err := cfg.Engine.Settings()
	if err != nil {
		slog.Error("Ignoring reloaded engine settings", "error", err)
		return
	}
	if err := a.coordinator.Reconfigure(settings); err != nil {
		slog.Error("Failed to apply reloaded engine settings", "error", err)
		return
	}
	a.scheduler.SetInterval(cfg.Engine.GetInterval())

	if cfg.Remote != a.config.Remote || cfg.Store.Type != a.config.Store.Type {
		slog.Warn("Remote or store configuration changed; restart to apply")
	}
}
