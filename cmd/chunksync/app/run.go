package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/chunksync/internal/app"
	"github.com/stacklok/chunksync/internal/config"
)

const defaultGracefulTimeout = 30 * time.Second

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Run the sync engine: periodic and connectivity-triggered sync passes,
connectivity monitoring, configuration hot reload and, when enabled, the
Prometheus metrics endpoint.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath(v)
			if err != nil {
				return err
			}

			manager, err := config.NewManager(path)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := app.NewEngineApp(ctx, app.WithConfigManager(manager))
			if err != nil {
				_ = manager.Close()
				return fmt.Errorf("failed to build engine: %w", err)
			}

			slog.Info("Starting chunksync engine", "config", path)
			runErr := engine.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultGracefulTimeout)
			defer cancel()
			if err := engine.Close(shutdownCtx); err != nil {
				slog.Error("Engine shutdown failed", "error", err)
			}

			if runErr != nil {
				return fmt.Errorf("engine stopped: %w", runErr)
			}
			slog.Info("Engine shutdown complete")
			return nil
		},
	}
}
