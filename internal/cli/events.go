package cli

import (
	"fmt"

	"github.com/hania222/warehouse-fleet/pkg/models"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the robot event log",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show recent robot events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := apiClient(cmd).ListLogs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No events.")
				return nil
			}
			for _, l := range logs {
				task := "-"
				if l.TaskID != nil {
					task = fmt.Sprintf("%d", *l.TaskID)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s robot=%d task=%s %s %s\n",
					l.Timestamp.Local().Format("15:04:05.000"), l.RobotID, task, l.Event, l.Detail)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", models.DefaultLogListLimit, "Max events to show")
	cmd.AddCommand(list)
	return cmd
}
