package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/chunksync/internal/app"
)

func newSyncCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync pass and print its result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd.Context(), v, func(engine *app.EngineApp) error {
				result := engine.Coordinator().Sync(cmd.Context())

				output, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format sync result: %w", err)
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(output)); err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("sync pass %s failed with %d error(s)", result.PassID, len(result.Errors))
				}
				return nil
			})
		},
	}
}
