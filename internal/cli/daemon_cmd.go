package cli

import (
	"github.com/hania222/warehouse-fleet/internal/config"
	"github.com/hania222/warehouse-fleet/internal/daemon"
	"github.com/hania222/warehouse-fleet/internal/protocol"
	"github.com/spf13/cobra"
)

// bindDaemonFlags registers the flags shared by start and daemon.
func bindDaemonFlags(cmd *cobra.Command, opts *daemon.StartOptions) {
	f := cmd.Flags()
	f.IntVar(&opts.Port, "port", daemon.DefaultPort, "HTTP port for the orchestrator API")
	f.BoolVar(&opts.Dev, "dev", false, "Enable dev mode (CORS for a dashboard on another origin)")
	f.StringVar(&opts.PprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	f.StringVar(&opts.DBDriver, "db", "", "Store driver: sqlite (default) or postgres (default when DATABASE_URL is set)")
	f.StringVar(&opts.Mode, "mode", protocol.ModeUnicast, "Dispatch mode: unicast or claim")
	f.Float64Var(&opts.IntervalSec, "interval", 1.0, "Assignment pass interval (seconds)")
	f.DurationVar(&opts.AckTimeout, "ack-timeout", 0, "Resend unacknowledged assignments after this long (default 5s)")
	f.BoolVar(&opts.FailOnError, "fail-on-error", false, "Fail a task when its robot reports ERROR")
	f.StringVar(&opts.NATSURL, "nats-url", "", "NATS server URL (default in-memory bus, env: FLEET_NATS_URL)")
	f.StringVar(&opts.TopicPrefix, "topic-prefix", "", "Bus topic prefix (default \"warehouse.\")")
	f.IntVar(&opts.SimRobots, "sim-robots", 0, "Run this many simulated robots in-process")
	f.DurationVar(&opts.SimMarkerAfter, "sim-marker-after", 0, "Simulated travel time to each marker (default 2s)")
	f.DurationVar(&opts.SimScanDelay, "sim-scan-delay", 0, "Simulated perception latency (default 500ms)")
	f.BoolVar(&opts.EnableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP/task/FSM instrumentation)")
}

func newDaemonCmd() *cobra.Command {
	var opts daemon.StartOptions

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Home = config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), opts)
		},
	}
	bindDaemonFlags(cmd, &opts)
	return cmd
}
