package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/chunksync/internal/app"
	"github.com/stacklok/chunksync/internal/sync/coordinator"
)

func newResolveCmd(v *viper.Viper) *cobra.Command {
	var choiceFlag string

	cmd := &cobra.Command{
		Use:   "resolve <chunk-id>",
		Short: "Settle a conflict held for manual resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			choice, err := coordinator.ParseChoice(choiceFlag)
			if err != nil {
				return err
			}

			return withEngine(cmd.Context(), v, func(engine *app.EngineApp) error {
				if err := engine.Coordinator().Resolve(cmd.Context(), args[0], choice); err != nil {
					return fmt.Errorf("failed to resolve %s: %w", args[0], err)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "resolved %s with %s\n", args[0], choice)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&choiceFlag, "choice", string(coordinator.ChoiceLocal), "Version to keep (local|remote|merged)")
	return cmd
}
