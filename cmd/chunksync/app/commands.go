// Package app provides the chunksync command line.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/chunksync/internal/app"
	"github.com/stacklok/chunksync/internal/config"
	"github.com/stacklok/chunksync/pkg/versions"
)

const configFlag = "config"

// NewRootCmd builds the command tree. Each call returns a fresh tree bound
// to its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "chunksync",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Offline-first chunk synchronization engine",
		Long: `chunksync queues local chunk changes and reconciles them with a remote
chunk service, resolving conflicts by policy.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().String(configFlag, "", "Path to configuration file (YAML format)")
	if err := v.BindPFlag(configFlag, rootCmd.PersistentFlags().Lookup(configFlag)); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}

	rootCmd.AddCommand(
		newRunCmd(v),
		newSyncCmd(v),
		newStatusCmd(v),
		newEnqueueCmd(v),
		newResolveCmd(v),
		newServeRemoteCmd(),
		newMigrateCmd(v),
		newVersionCmd(),
	)

	return rootCmd
}

// configPath returns --config or CHUNKSYNC_CONFIG
func configPath(v *viper.Viper) (string, error) {
	path := v.GetString(configFlag)
	if path == "" {
		return "", fmt.Errorf("--%s or %s_CONFIG is required", configFlag, config.EnvPrefix)
	}
	return path, nil
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	path, err := configPath(v)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// withEngine builds the engine for a one-shot command and closes it afterwards
func withEngine(ctx context.Context, v *viper.Viper, fn func(*app.EngineApp) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	engine, err := app.NewEngineApp(ctx, app.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Failed to close engine", "error", err)
		}
	}()

	return fn(engine)
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info: %w", err)
				}
				_, err = fmt.Fprintln(out, string(output))
				return err
			}

			_, err = fmt.Fprintf(out, "chunksync %s (commit %s, built %s, %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}
