package daemon

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hania222/warehouse-fleet/internal/agent"
	"github.com/hania222/warehouse-fleet/internal/bus"
	"github.com/hania222/warehouse-fleet/internal/hardware"
	"github.com/hania222/warehouse-fleet/internal/perception"
	"github.com/hania222/warehouse-fleet/internal/protocol"
)

// Simulated robot defaults.
const (
	DefaultSimMarkerAfter = 2 * time.Second
	DefaultSimScanDelay   = 500 * time.Millisecond
)

// simRobotConfigs builds one agent config per simulated robot, ids 1..n.
func simRobotConfigs(opts StartOptions) []agent.Config {
	cfgs := make([]agent.Config, 0, opts.SimRobots)
	for i := 1; i <= opts.SimRobots; i++ {
		cfgs = append(cfgs, agent.Config{
			RobotID: int64(i),
			Mode:    opts.Mode,
			Topics:  protocol.NewTopics(opts.TopicPrefix),
		})
	}
	return cfgs
}

// startSimRobots runs opts.SimRobots agents on b inside g. Each has a track
// that reports a marker MarkerAfter after every LF and a camera that always
// sees the expected container.
func startSimRobots(ctx context.Context, g *errgroup.Group, b bus.Bus, opts StartOptions) error {
	markerAfter := opts.SimMarkerAfter
	if markerAfter <= 0 {
		markerAfter = DefaultSimMarkerAfter
	}
	scanDelay := opts.SimScanDelay
	if scanDelay <= 0 {
		scanDelay = DefaultSimScanDelay
	}
	for _, cfg := range simRobotConfigs(opts) {
		hw := hardware.NewSimLink(markerAfter)
		a, err := agent.New(cfg, b, hw, perception.StubMatcher{Delay: scanDelay})
		if err != nil {
			return fmt.Errorf("sim robot %d: %w", cfg.RobotID, err)
		}
		g.Go(func() error {
			defer func() { _ = hw.Close() }()
			return a.Run(ctx)
		})
	}
	return nil
}
