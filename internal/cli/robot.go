package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/hania222/warehouse-fleet/internal/agent"
	"github.com/hania222/warehouse-fleet/internal/bus"
	"github.com/hania222/warehouse-fleet/internal/config"
	"github.com/hania222/warehouse-fleet/internal/hardware"
	"github.com/hania222/warehouse-fleet/internal/perception"
	perceptiongrpc "github.com/hania222/warehouse-fleet/internal/perception/grpc"
	"github.com/hania222/warehouse-fleet/internal/protocol"
	"github.com/spf13/cobra"
)

func newRobotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "robot",
		Short: "Run and inspect robot agents",
	}
	cmd.AddCommand(newRobotListCmd())
	cmd.AddCommand(newRobotGetCmd())
	cmd.AddCommand(newRobotInitCmd())
	cmd.AddCommand(newRobotRunCmd())
	cmd.AddCommand(newRobotScanCmd())
	cmd.AddCommand(newRobotPortsCmd())
	return cmd
}

func newRobotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List robots known to the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			robots, err := apiClient(cmd).ListRobots(cmd.Context())
			if err != nil {
				return err
			}
			if len(robots) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No robots.")
				return nil
			}
			for _, r := range robots {
				task := "-"
				if r.CurrentTask != nil {
					task = strconv.FormatInt(*r.CurrentTask, 10)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %d %s [%s/%s] battery=%d%% task=%s pos=(%d,%d)\n",
					r.RobotID, r.Name, r.Status, r.FSMState, r.Battery, task, r.X, r.Y)
			}
			return nil
		},
	}
}

func newRobotGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <robot-id>",
		Short: "Show one robot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			r, err := apiClient(cmd).GetRobot(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d %s status=%s state=%s battery=%d%% last_seen=%s\n",
				r.RobotID, r.Name, r.Status, r.FSMState, r.Battery, r.LastSeen.Local().Format(time.RFC3339))
			return nil
		},
	}
}

// robotFlags are the command-line values that may override a robot config file.
type robotFlags struct {
	id           int64
	configPath   string
	busURL       string
	topicPrefix  string
	mode         string
	hwAddr       string
	baud         int
	percAddr     string
	matchTimeout time.Duration
	tick         time.Duration
	dwell        time.Duration
	backoff      time.Duration
}

func (f *robotFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.Int64Var(&f.id, "id", 0, "Robot ID")
	fs.StringVar(&f.configPath, "config", "", "Robot config file (default <home>/robots/<id>.yaml)")
	fs.StringVar(&f.busURL, "nats-url", "", "NATS server URL (env: FLEET_NATS_URL)")
	fs.StringVar(&f.topicPrefix, "topic-prefix", "", "Bus topic prefix (default \"warehouse.\")")
	fs.StringVar(&f.mode, "mode", "", "Dispatch mode: unicast or claim")
	fs.StringVar(&f.hwAddr, "hardware", "", "Controller address: serial device (/dev/ttyACM0) or tcp://host:port")
	fs.IntVar(&f.baud, "baud", hardware.DefaultBaud, "Serial baud rate")
	fs.StringVar(&f.percAddr, "perception", "", "Perception gRPC address (default: stub that always matches)")
	fs.DurationVar(&f.matchTimeout, "match-timeout", perception.DefaultTimeout, "Container match timeout")
	fs.DurationVar(&f.tick, "tick", agent.DefaultTick, "Control loop period")
	fs.DurationVar(&f.dwell, "dwell", agent.DefaultDwell, "Pick/drop dwell time")
	fs.DurationVar(&f.backoff, "backoff", agent.DefaultBackoff, "Time spent in ERROR before returning to IDLE")
}

// resolveRobotConfig loads the config file (if any) and applies the flags
// the user set explicitly.
func resolveRobotConfig(cmd *cobra.Command, home string, f robotFlags) (*config.RobotConfig, error) {
	path := f.configPath
	if path == "" && f.id > 0 {
		path = config.RobotConfigPath(home, f.id)
	}
	cfg := &config.RobotConfig{}
	if path != "" {
		loaded, err := config.LoadRobotConfig(path)
		if err != nil {
			return nil, err
		}
		if loaded == nil && f.configPath != "" {
			return nil, fmt.Errorf("config %s not found", f.configPath)
		}
		if loaded != nil {
			cfg = loaded
		}
	}
	changed := cmd.Flags().Changed
	if changed("id") {
		cfg.RobotID = f.id
	}
	if changed("nats-url") {
		cfg.BusURL = f.busURL
	}
	if changed("topic-prefix") {
		cfg.TopicPrefix = f.topicPrefix
	}
	if changed("mode") {
		cfg.Mode = f.mode
	}
	if changed("hardware") {
		cfg.Hardware.Addr = f.hwAddr
	}
	if changed("baud") || cfg.Hardware.Baud == 0 {
		cfg.Hardware.Baud = f.baud
	}
	if changed("perception") {
		cfg.Perception.Addr = f.percAddr
	}
	if changed("match-timeout") || cfg.Perception.Timeout == 0 {
		cfg.Perception.Timeout = f.matchTimeout
	}
	if changed("tick") || cfg.Tick == 0 {
		cfg.Tick = f.tick
	}
	if changed("dwell") || cfg.Dwell == 0 {
		cfg.Dwell = f.dwell
	}
	if changed("backoff") || cfg.Backoff == 0 {
		cfg.Backoff = f.backoff
	}
	if cfg.BusURL == "" {
		cfg.BusURL = os.Getenv("FLEET_NATS_URL")
	}
	if cfg.Mode == "" {
		cfg.Mode = protocol.ModeUnicast
	}
	if cfg.RobotID <= 0 {
		return nil, errors.New("robot id required (--id or robot_id in the config file)")
	}
	return cfg, nil
}

func agentConfig(cfg *config.RobotConfig) agent.Config {
	return agent.Config{
		RobotID:      cfg.RobotID,
		Mode:         cfg.Mode,
		Topics:       protocol.NewTopics(cfg.TopicPrefix),
		Tick:         cfg.Tick,
		Dwell:        cfg.Dwell,
		Backoff:      cfg.Backoff,
		MatchTimeout: cfg.Perception.Timeout,
		Position:     protocol.Position{X: cfg.Position.X, Y: cfg.Position.Y},
	}
}

// openMatcher dials the perception service, or returns a stub when none is configured.
func openMatcher(addr string) (perception.Matcher, func(), error) {
	if addr == "" {
		slog.Warn("no perception service configured, every scan will match")
		return perception.StubMatcher{}, func() {}, nil
	}
	c, err := perceptiongrpc.Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

func newRobotInitCmd() *cobra.Command {
	var f robotFlags
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a robot config file from flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			path := f.configPath
			if path == "" {
				if f.id <= 0 {
					return errors.New("--id required")
				}
				path = config.RobotConfigPath(home, f.id)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			f.configPath = ""
			cfg, err := resolveRobotConfig(cmd, home, f)
			if err != nil {
				return err
			}
			if err := config.SaveRobotConfig(path, cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newRobotRunCmd() *cobra.Command {
	var f robotFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a robot agent against the orchestrator's NATS bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := resolveRobotConfig(cmd, home, f)
			if err != nil {
				return err
			}
			if cfg.BusURL == "" {
				return errors.New("robot run needs a bus: --nats-url, bus_url in the config file, or FLEET_NATS_URL")
			}
			ctx := cmd.Context()
			name := cfg.Name
			if name == "" {
				name = fmt.Sprintf("Robot-%02d", cfg.RobotID)
			}
			b, err := bus.DialNATS(ctx, bus.NATSOptions{URL: cfg.BusURL, Name: "fleet-" + name})
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			hw := hardware.OpenOrNull(cfg.Hardware.Addr, cfg.Hardware.Baud)
			defer func() { _ = hw.Close() }()

			matcher, closeMatcher, err := openMatcher(cfg.Perception.Addr)
			if err != nil {
				return err
			}
			defer closeMatcher()

			a, err := agent.New(agentConfig(cfg), b, hw, matcher)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d) running in %s mode on %s\n", name, cfg.RobotID, cfg.Mode, cfg.BusURL)
			return a.Run(ctx)
		},
	}
	f.bind(cmd)
	return cmd
}

func newRobotScanCmd() *cobra.Command {
	var (
		expect  string
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one container match attempt and print the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			matcher, closeMatcher, err := openMatcher(addr)
			if err != nil {
				return err
			}
			defer closeMatcher()
			start := time.Now()
			res, err := matcher.AttemptMatch(cmd.Context(), expect, timeout)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "outcome=%s id=%q confirmed=%t elapsed=%s\n",
				res.Outcome, res.ID, res.Confirms(expect), time.Since(start).Round(time.Millisecond))
			if !res.Confirms(expect) {
				return fmt.Errorf("container %s not confirmed", expect)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "", "Container ID the camera should see")
	cmd.Flags().StringVar(&addr, "perception", "", "Perception gRPC address (default: stub)")
	cmd.Flags().DurationVar(&timeout, "timeout", perception.DefaultTimeout, "Match timeout")
	_ = cmd.MarkFlagRequired("expect")
	return cmd
}

func newRobotPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports a controller could be attached to",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := hardware.ListSerialPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No serial ports.")
				return nil
			}
			for _, p := range ports {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "- "+p)
			}
			return nil
		},
	}
}
