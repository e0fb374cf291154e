package cli

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/hania222/warehouse-fleet/internal/config"
	"github.com/hania222/warehouse-fleet/internal/daemon"
	"github.com/hania222/warehouse-fleet/pkg/client"
	"github.com/spf13/cobra"
)

// serverURL picks the orchestrator URL: --server, FLEET_SERVER, the running
// daemon's address, then the default port on localhost.
func serverURL(ctx context.Context, cmd *cobra.Command) string {
	if f := cmd.Flag("server"); f != nil && f.Value.String() != "" {
		return strings.TrimRight(f.Value.String(), "/")
	}
	if v := os.Getenv("FLEET_SERVER"); v != "" {
		return strings.TrimRight(v, "/")
	}
	if home, ok := config.HomeFrom(ctx); ok {
		if st, _ := daemon.Status(ctx, home); st.Running && st.Addr != "unknown" {
			return "http://" + strings.Replace(st.Addr, "0.0.0.0", "127.0.0.1", 1)
		}
	}
	return "http://127.0.0.1:" + strconv.Itoa(daemon.DefaultPort)
}

func apiClient(cmd *cobra.Command) *client.Client {
	return client.New(serverURL(cmd.Context(), cmd), os.Getenv("FLEET_API_KEY"))
}
