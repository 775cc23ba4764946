package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/chunksync/internal/app"
	"github.com/stacklok/chunksync/internal/status"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status and the pending change queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}

			return withEngine(cmd.Context(), v, func(engine *app.EngineApp) error {
				state := engine.Coordinator().Snapshot()
				if format == "json" {
					output, err := json.MarshalIndent(state, "", "  ")
					if err != nil {
						return fmt.Errorf("failed to format status: %w", err)
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
					return err
				}
				return renderStatus(cmd.OutOrStdout(), state)
			})
		},
	}
	cmd.Flags().String("format", "table", "Output format (table|json)")
	return cmd
}

func renderStatus(out io.Writer, state status.EngineState) error {
	lastSync := "never"
	if state.LastSyncTime != nil {
		lastSync = state.LastSyncTime.Format(time.RFC3339)
	}
	if _, err := fmt.Fprintf(out, "Status: %s\nPolicy: %s\nLast sync: %s\nPending changes: %d\n\n",
		state.Status, state.Policy, lastSync, len(state.PendingChanges)); err != nil {
		return err
	}
	if len(state.PendingChanges) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Kind", "Enqueued", "Retries", "Conflict")
	for _, change := range state.PendingChanges {
		conflictNote := ""
		if change.ConflictRemote != nil {
			conflictNote = "awaiting resolution"
		}
		if err := table.Append([]string{
			change.ID,
			string(change.Kind),
			change.EnqueuedAt.Format(time.RFC3339),
			strconv.Itoa(change.RetryCount),
			conflictNote,
		}); err != nil {
			return fmt.Errorf("failed to render queue: %w", err)
		}
	}
	return table.Render()
}
