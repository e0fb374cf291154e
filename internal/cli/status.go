package cli

import (
	"fmt"

	"github.com/hania222/warehouse-fleet/internal/config"
	"github.com/hania222/warehouse-fleet/internal/daemon"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			if !st.Running {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Fleet orchestrator not running")
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Fleet orchestrator running (pid %d, addr %s)\n", st.PID, st.Addr)
			d, err := apiClient(cmd).Dashboard(cmd.Context())
			if err != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API unreachable: %v\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Mode %s: %d tasks (%d pending, %d completed), %d robots\n",
				d.Mode, d.TotalTasks, d.PendingTasks, d.CompletedTasks, len(d.Robots))
			return nil
		},
	}
	return cmd
}
