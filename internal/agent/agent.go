// Package agent runs one robot: the execution state machine, the hardware
// listener, and the bus subscriptions that feed it tasks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hania222/warehouse-fleet/internal/bus"
	"github.com/hania222/warehouse-fleet/internal/hardware"
	"github.com/hania222/warehouse-fleet/internal/otel"
	"github.com/hania222/warehouse-fleet/internal/perception"
	"github.com/hania222/warehouse-fleet/internal/protocol"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTick            = 200 * time.Millisecond
	DefaultDwell           = time.Second
	DefaultBackoff         = 2 * time.Second
	DefaultClaimTimeout    = 3 * time.Second
	DefaultDrainEvery      = 30 * time.Second
	DefaultChargeEvery     = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultBatteryFloor    = 10
)

// Config holds the agent settings. Zero durations take the defaults above.
type Config struct {
	RobotID int64
	// Mode is protocol.ModeUnicast (default) or protocol.ModeClaim.
	Mode   string
	Topics protocol.Topics

	Tick         time.Duration
	Dwell        time.Duration
	Backoff      time.Duration
	MatchTimeout time.Duration
	ClaimTimeout time.Duration

	// Battery is the starting charge; 0 means 100.
	Battery     int
	DrainEvery  time.Duration
	ChargeEvery time.Duration
	Position    protocol.Position

	ShutdownTimeout time.Duration

	// Now is the clock used for dwell, backoff and claim deadlines.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = protocol.ModeUnicast
	}
	if c.Topics.Prefix == "" {
		c.Topics = protocol.NewTopics("")
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.Dwell <= 0 {
		c.Dwell = DefaultDwell
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = perception.DefaultTimeout
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultClaimTimeout
	}
	if c.Battery <= 0 || c.Battery > 100 {
		c.Battery = 100
	}
	if c.DrainEvery <= 0 {
		c.DrainEvery = DefaultDrainEvery
	}
	if c.ChargeEvery <= 0 {
		c.ChargeEvery = DefaultChargeEvery
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// outItem is either a hardware command or a bus message, kept in the order
// the FSM produced it.
type outItem struct {
	cmd   hardware.Command
	topic string
	msg   protocol.Message
}

type matchResult struct {
	res perception.Result
	err error
}

type pendingClaim struct {
	task    protocol.Assign
	expires time.Time
}

// Agent is the per-robot actor. All FSM fields are guarded by mu; I/O
// happens outside the lock through the outbox.
type Agent struct {
	cfg     Config
	bus     bus.Bus
	hw      hardware.Link
	matcher perception.Matcher
	log     *slog.Logger

	mu       sync.Mutex
	state    State
	entered  bool
	task     *protocol.Assign
	marker   bool
	linkDown bool
	deadline time.Time
	match    chan matchResult
	pending  *pendingClaim
	battery  battery
	position protocol.Position
	outbox   []outItem

	pubMu   sync.Mutex
	matches sync.WaitGroup
}

// New returns an agent in IDLE. A nil link means no hardware: commands are
// only logged.
func New(cfg Config, b bus.Bus, hw hardware.Link, m perception.Matcher) (*Agent, error) {
	if cfg.RobotID <= 0 {
		return nil, errors.New("robot id must be positive")
	}
	if b == nil {
		return nil, errors.New("bus required")
	}
	if m == nil {
		return nil, errors.New("matcher required")
	}
	if cfg.Mode != "" && !protocol.ValidMode(cfg.Mode) {
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Mode)
	}
	cfg.applyDefaults()
	if hw == nil {
		hw = hardware.NewNullLink()
	}
	return &Agent{
		cfg:     cfg,
		bus:     b,
		hw:      hw,
		matcher: m,
		log:     slog.With("robot_id", cfg.RobotID),
		state:   StateIdle,
		battery: battery{
			level:       cfg.Battery,
			floor:       DefaultBatteryFloor,
			drainEvery:  cfg.DrainEvery,
			chargeEvery: cfg.ChargeEvery,
		},
		position: cfg.Position,
	}, nil
}

// ID returns the robot id.
func (a *Agent) ID() int64 { return a.cfg.RobotID }

// State returns the current FSM state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Snapshot returns a copy of the robot state.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Agent) snapshotLocked() Snapshot {
	s := Snapshot{
		RobotID:  a.cfg.RobotID,
		State:    a.state,
		Status:   a.state.RobotStatus(),
		Battery:  a.battery.level,
		Position: a.position,
	}
	if a.task != nil {
		id := a.task.TaskID
		s.TaskID = &id
		s.ContainerID = a.task.ContainerID
	}
	if a.pending != nil {
		id := a.pending.task.TaskID
		s.ClaimFor = &id
	}
	return s
}

// Run subscribes to the assignment topics and drives the FSM until ctx is
// cancelled. On the way out it waits up to ShutdownTimeout for its
// goroutines and sends a final stop to the hardware.
func (a *Agent) Run(ctx context.Context) error {
	var unsubs []func()
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()
	subscribe := func(topic string, h bus.Handler) error {
		u, err := a.bus.Subscribe(topic, h)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		unsubs = append(unsubs, u)
		return nil
	}
	if a.cfg.Mode == protocol.ModeClaim {
		if err := subscribe(a.cfg.Topics.Assign(), a.handleAssign); err != nil {
			return err
		}
		if err := subscribe(a.cfg.Topics.ClaimResultFor(a.cfg.RobotID), a.handleClaimResult); err != nil {
			return err
		}
	} else if err := subscribe(a.cfg.Topics.AssignTo(a.cfg.RobotID), a.handleAssign); err != nil {
		return err
	}

	a.log.Info("robot agent starting", "mode", a.cfg.Mode, "matcher", a.matcher.Name(), "tick", a.cfg.Tick)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { a.loop(gctx); return nil })
	g.Go(func() error { a.listen(gctx); return nil })

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		a.matches.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.ShutdownTimeout):
		a.log.Warn("robot agent shutdown timed out", "timeout", a.cfg.ShutdownTimeout)
	}
	if err := a.hw.Send(hardware.CmdStop); err != nil {
		a.log.Warn("final stop failed", "err", err)
	}
	a.log.Info("robot agent stopped", "state", a.State())
	return nil
}

func (a *Agent) loop(ctx context.Context) {
	t := time.NewTicker(a.cfg.Tick)
	defer t.Stop()
	a.step(ctx, a.cfg.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.step(ctx, a.cfg.Now())
		}
	}
}

func (a *Agent) listen(ctx context.Context) {
	notes := a.hw.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				if ctx.Err() == nil {
					a.linkLost(ctx)
				}
				return
			}
			a.onNotification(ctx, n)
		}
	}
}

// linkLost records that the controller stopped talking. States that wait on
// a floor marker can no longer finish, so they fall into ERROR.
func (a *Agent) linkLost(ctx context.Context) {
	a.mu.Lock()
	a.log.Warn("hardware link closed", "state", a.state)
	a.linkDown = true
	a.emitLocked(protocol.TagError, "hardware link closed")
	a.mu.Unlock()
	a.drain(ctx)
}

// onNotification records a hardware line. WIDE_BLACK sets the marker latch.
func (a *Agent) onNotification(ctx context.Context, n hardware.Notification) {
	var tag protocol.Tag
	switch n {
	case hardware.NoteWideMarker:
		tag = protocol.TagHWWideMarker
	case hardware.NoteAlignOK:
		tag = protocol.TagHWAlignOK
	case hardware.NoteAlignTimeout:
		tag = protocol.TagHWAlignTimeout
	default:
		a.log.Debug("unrecognized hardware line", "line", string(n))
		return
	}
	a.mu.Lock()
	if n == hardware.NoteWideMarker {
		a.marker = true
	}
	a.emitLocked(tag, string(n))
	a.mu.Unlock()
	a.drain(ctx)
}

// handleAssign is the subscriber for unicast assignments and claim-mode offers.
func (a *Agent) handleAssign(ctx context.Context, data []byte) {
	var m protocol.Assign
	if err := protocol.Decode(data, &m); err != nil {
		a.log.Warn("bad assignment dropped", "err", err)
		return
	}
	if m.RobotID != nil && *m.RobotID != a.cfg.RobotID {
		return
	}
	a.mu.Lock()
	if a.cfg.Mode == protocol.ModeClaim {
		a.offerLocked(m)
	} else {
		a.assignLocked(m)
	}
	a.mu.Unlock()
	a.drain(ctx)
}

func (a *Agent) assignLocked(m protocol.Assign) {
	switch {
	case a.task != nil && a.task.TaskID == m.TaskID:
		a.replyLocked(m.TaskID, true)
	case a.state != StateIdle || a.task != nil || a.pending != nil:
		a.log.Info("assignment dropped, robot busy", "task_id", m.TaskID, "state", a.state)
		a.replyLocked(m.TaskID, false)
	default:
		a.startLocked(m)
		a.replyLocked(m.TaskID, true)
	}
}

func (a *Agent) offerLocked(m protocol.Assign) {
	if a.state != StateIdle || a.task != nil || a.pending != nil {
		return
	}
	a.pending = &pendingClaim{task: m, expires: a.cfg.Now().Add(a.cfg.ClaimTimeout)}
	a.replyLocked(m.TaskID, true)
	a.log.Debug("claiming task", "task_id", m.TaskID)
}

// handleClaimResult applies the orchestrator's verdict on a claim.
func (a *Agent) handleClaimResult(ctx context.Context, data []byte) {
	var m protocol.ClaimResult
	if err := protocol.Decode(data, &m); err != nil {
		a.log.Warn("bad claim result dropped", "err", err)
		return
	}
	if m.RobotID != a.cfg.RobotID || !m.Granted {
		a.mu.Lock()
		if a.pending != nil && a.pending.task.TaskID == m.TaskID {
			a.pending = nil
			a.log.Debug("claim denied", "task_id", m.TaskID, "reason", m.Reason)
		}
		a.mu.Unlock()
		return
	}
	a.mu.Lock()
	switch {
	case a.task != nil && a.task.TaskID == m.TaskID:
	case a.pending != nil && a.pending.task.TaskID == m.TaskID && a.state == StateIdle && a.task == nil:
		t := a.pending.task
		a.pending = nil
		a.startLocked(t)
	default:
		// Granted after we gave up on it: hand it back.
		a.log.Info("late claim grant refused", "task_id", m.TaskID)
		a.replyLocked(m.TaskID, false)
	}
	a.mu.Unlock()
	a.drain(ctx)
}

func (a *Agent) startLocked(m protocol.Assign) {
	t := m
	a.task = &t
	a.emitLocked(protocol.TagTaskReceived, fmt.Sprintf("%s %s", m.Action, m.ContainerID))
	a.transitionLocked(StateFollowLine)
	a.log.Info("task accepted", "task_id", m.TaskID, "container_id", m.ContainerID, "action", m.Action)
}

func (a *Agent) replyLocked(taskID int64, accepted bool) {
	a.outbox = append(a.outbox, outItem{
		topic: a.cfg.Topics.Claim(),
		msg:   &protocol.Claim{TaskID: taskID, RobotID: a.cfg.RobotID, Accepted: accepted},
	})
}

func (a *Agent) emitLocked(tag protocol.Tag, detail string) {
	ev := &protocol.Event{RobotID: a.cfg.RobotID, Event: string(tag), Detail: detail}
	if a.task != nil {
		id := a.task.TaskID
		ev.TaskID = &id
	}
	a.outbox = append(a.outbox, outItem{topic: a.cfg.Topics.Events(), msg: ev})
}

func (a *Agent) commandLocked(cmds ...hardware.Command) {
	for _, c := range cmds {
		a.outbox = append(a.outbox, outItem{cmd: c})
	}
}

func (a *Agent) transitionLocked(to State) {
	from := a.state
	a.state = to
	a.entered = false
	a.deadline = time.Time{}
	if to == StateFollowLine || to == StateDeliver {
		a.marker = false
	}
	otel.RecordTransition(context.Background(), a.cfg.RobotID, string(from), string(to))
	a.log.Debug("fsm transition", "from", from, "to", to)
}

// drain sends everything in the outbox, in order. pubMu keeps concurrent
// drains from interleaving.
func (a *Agent) drain(ctx context.Context) {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	a.mu.Lock()
	items := a.outbox
	a.outbox = nil
	a.mu.Unlock()
	for _, it := range items {
		if it.msg == nil {
			if err := a.hw.Send(it.cmd); err != nil {
				a.log.Warn("hardware command failed", "cmd", it.cmd, "err", err)
			}
			continue
		}
		data, err := protocol.Encode(it.msg)
		if err != nil {
			a.log.Error("encode failed", "topic", it.topic, "err", err)
			continue
		}
		if err := a.bus.Publish(ctx, it.topic, data); err != nil {
			a.log.Debug("publish failed", "topic", it.topic, "err", err)
		}
	}
}
