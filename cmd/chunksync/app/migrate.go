package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/chunksync/database"
	"github.com/stacklok/chunksync/internal/app/storage/auth"
	"github.com/stacklok/chunksync/internal/config"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL state store schema",
		Long:  `Apply or revert the schema of the PostgreSQL state store. Use with 'up' or 'down'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	cmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	cmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigration(cmd, v, true)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert migrations",
			Long: `Revert migrations. WARNING: reverting drops the state table and every
queued change stored in it.`,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigration(cmd, v, false)
			},
		},
	)
	return cmd
}

func runMigration(cmd *cobra.Command, v *viper.Viper, up bool) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	if cfg.Store.Type != config.StoreTypePostgres || cfg.Store.Postgres == nil {
		return fmt.Errorf("migrations require store.type %q", config.StoreTypePostgres)
	}

	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}
	if numSteps > math.MaxInt {
		return fmt.Errorf("number of steps exceeds maximum allowed value")
	}
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}

	db := cfg.Store.Postgres
	if !yes {
		direction := "apply"
		if !up {
			direction = "revert"
		}
		prompt := fmt.Sprintf("About to %s migrations on %s@%s:%d/%s. Continue?",
			direction, db.User, db.Host, db.Port, db.Database)
		if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), prompt) {
			return fmt.Errorf("migration cancelled by user")
		}
	}

	connString, err := auth.ConnectionString(cmd.Context(), db)
	if err != nil {
		return fmt.Errorf("failed to build connection string: %w", err)
	}

	m, err := database.NewFromConnectionString(connString)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Error("Failed to close migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := executeMigration(m, up, int(numSteps)); err != nil { // #nosec G115 -- bounded above
		return err
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		slog.Info("No migrations applied")
	case err != nil:
		slog.Warn("Unable to get migration version", "error", err)
	case dirty:
		slog.Warn("Database is in a dirty state", "version", version)
	default:
		slog.Info("Current migration version", "version", version)
	}
	return nil
}

func executeMigration(m database.Migrator, up bool, steps int) error {
	var err error
	switch {
	case up && steps == 0:
		err = m.Up()
	case up:
		err = m.Steps(steps)
	case steps == 0:
		slog.Warn("Migrating down all steps")
		err = m.Down()
	default:
		err = m.Steps(-steps)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("No migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("Migration completed successfully")
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(out, "%s (yes/no): ", prompt)
	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && response == "" {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "yes" || response == "y"
}
