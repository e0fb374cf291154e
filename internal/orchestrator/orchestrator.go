// Package orchestrator owns task and robot state: it validates new tasks,
// hands pending tasks to idle robots over the bus, arbitrates claims, and
// folds robot heartbeats and events back into the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hania222/warehouse-fleet/internal/bus"
	"github.com/hania222/warehouse-fleet/internal/otel"
	"github.com/hania222/warehouse-fleet/internal/protocol"
	"github.com/hania222/warehouse-fleet/internal/store"
	"github.com/hania222/warehouse-fleet/pkg/models"
)

var (
	// ErrInvalidTask wraps every task-creation validation failure.
	ErrInvalidTask = errors.New("invalid task")
	// ErrTaskFinished is returned when failing a task that is already terminal.
	ErrTaskFinished = errors.New("task already finished")
	// ErrDuplicate is returned by ConsumeEvent for an already-logged msg_id.
	ErrDuplicate = errors.New("duplicate message")
)

// Steps recorded on tasks the orchestrator fails itself.
const (
	StepAssignmentRejected = "ASSIGNMENT_REJECTED"
	StepOperatorFailed     = "OPERATOR_FAILED"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultInterval   = time.Second
	DefaultAckTimeout = 5 * time.Second
	DefaultStaleAfter = 10 * time.Second
	DefaultOfferBatch = 8
)

// Notifier receives a JSON-able payload for every state change (the SSE hub).
type Notifier interface {
	PublishJSON(v any)
}

// Options configures an Orchestrator.
type Options struct {
	// Mode is protocol.ModeUnicast (default) or protocol.ModeClaim.
	Mode   string
	Topics protocol.Topics
	// Interval between periodic assignment passes.
	Interval time.Duration
	// AckTimeout before an unacknowledged unicast assignment is resent.
	AckTimeout time.Duration
	// StaleAfter excludes robots not heard from for this long. Negative
	// disables the check.
	StaleAfter time.Duration
	// OfferBatch caps how many pending tasks one claim-mode pass offers.
	OfferBatch int
	// FailOnError fails a task when its robot reports ERROR. Off by default:
	// the task stays assigned until an operator fails it.
	FailOnError bool
	Notifier    Notifier
	Now         func() time.Time
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	store store.Store
	bus   bus.Bus
	opts  Options

	passMu sync.Mutex
	nudge  chan struct{}
}

// New returns an orchestrator over st and b.
func New(st store.Store, b bus.Bus, opts Options) (*Orchestrator, error) {
	if st == nil || b == nil {
		return nil, errors.New("store and bus required")
	}
	if opts.Mode == "" {
		opts.Mode = protocol.ModeUnicast
	}
	if !protocol.ValidMode(opts.Mode) {
		return nil, fmt.Errorf("unknown dispatch mode %q", opts.Mode)
	}
	if opts.Topics.Prefix == "" {
		opts.Topics = protocol.NewTopics("")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.OfferBatch <= 0 {
		opts.OfferBatch = DefaultOfferBatch
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{store: st, bus: b, opts: opts, nudge: make(chan struct{}, 1)}, nil
}

// Mode returns the dispatch mode in use.
func (o *Orchestrator) Mode() string { return o.opts.Mode }

// Store returns the underlying store.
func (o *Orchestrator) Store() store.Store { return o.store }

func (o *Orchestrator) notify(payload map[string]any) {
	if o.opts.Notifier != nil {
		o.opts.Notifier.PublishJSON(payload)
	}
}

// CreateTask validates req and stores a pending task. Nothing is published;
// the assignment loop is nudged instead.
func (o *Orchestrator) CreateTask(ctx context.Context, req models.CreateTask) (models.Task, error) {
	nt, err := validateTask(req)
	if err != nil {
		otel.RecordTaskOp(ctx, "create", "invalid")
		return models.Task{}, err
	}
	t, err := o.store.CreateTask(ctx, nt)
	if err != nil {
		otel.RecordTaskOp(ctx, "create", "error")
		return models.Task{}, fmt.Errorf("create task: %w", err)
	}
	otel.RecordTaskOp(ctx, "create", t.Status)
	slog.Info("task created", "task_id", t.TaskID, "container_id", t.ContainerID, "action", t.Action, "priority", t.Priority)
	o.notify(map[string]any{"type": "task_update", "task": t})
	o.Nudge()
	return t, nil
}

func validateTask(req models.CreateTask) (store.NewTask, error) {
	container := strings.TrimSpace(req.ContainerID)
	if container == "" {
		return store.NewTask{}, fmt.Errorf("%w: container_id required", ErrInvalidTask)
	}
	action := strings.ToUpper(strings.TrimSpace(req.Action))
	if action == "" {
		return store.NewTask{}, fmt.Errorf("%w: action required", ErrInvalidTask)
	}
	if !models.ValidAction(action) {
		return store.NewTask{}, fmt.Errorf("%w: unknown action %q (want PICK or DROP)", ErrInvalidTask, req.Action)
	}
	priority := models.DefaultTaskPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 0 {
		return store.NewTask{}, fmt.Errorf("%w: priority must be >= 0", ErrInvalidTask)
	}
	return store.NewTask{
		ContainerID: container,
		Action:      action,
		Priority:    priority,
		Source:      trimmed(req.Source),
		Destination: trimmed(req.Destination),
	}, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// Nudge asks the run loop for an assignment pass without waiting for the ticker.
func (o *Orchestrator) Nudge() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

// ListTasks returns tasks newest first.
func (o *Orchestrator) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	return o.store.ListTasks(ctx, limit)
}

// GetTask returns one task or an error wrapping store.ErrNotFound.
func (o *Orchestrator) GetTask(ctx context.Context, taskID int64) (models.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// ListRobots returns every known robot.
func (o *Orchestrator) ListRobots(ctx context.Context) ([]models.Robot, error) {
	return o.store.ListRobots(ctx)
}

// GetRobot returns one robot or an error wrapping store.ErrNotFound.
func (o *Orchestrator) GetRobot(ctx context.Context, robotID int64) (models.Robot, error) {
	return o.store.GetRobot(ctx, robotID)
}

// Dashboard summarizes task counts and the fleet.
func (o *Orchestrator) Dashboard(ctx context.Context) (models.Dashboard, error) {
	counts, err := o.store.CountTasksByStatus(ctx)
	if err != nil {
		return models.Dashboard{}, fmt.Errorf("count tasks: %w", err)
	}
	robots, err := o.store.ListRobots(ctx)
	if err != nil {
		return models.Dashboard{}, fmt.Errorf("list robots: %w", err)
	}
	d := models.Dashboard{TasksByStatus: counts, Robots: robots, Mode: o.opts.Mode}
	for _, n := range counts {
		d.TotalTasks += n
	}
	d.PendingTasks = counts[models.StatusPending]
	d.CompletedTasks = counts[models.StatusCompleted]
	return d, nil
}

// ListRecentEvents returns up to limit log entries, newest first.
func (o *Orchestrator) ListRecentEvents(ctx context.Context, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = models.DefaultLogListLimit
	}
	return o.store.ListLogs(ctx, limit)
}

// FailTask is the operator action that abandons a task and frees its robot.
func (o *Orchestrator) FailTask(ctx context.Context, taskID int64) (models.Task, error) {
	if _, err := o.store.GetTask(ctx, taskID); err != nil {
		return models.Task{}, err
	}
	failed, err := o.store.FailTask(ctx, taskID, StepOperatorFailed)
	if err != nil {
		return models.Task{}, fmt.Errorf("fail task %d: %w", taskID, err)
	}
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if !failed {
		return t, fmt.Errorf("task %d is %s: %w", taskID, t.Status, ErrTaskFinished)
	}
	otel.RecordTaskOp(ctx, "fail", t.Status)
	slog.Info("task failed by operator", "task_id", taskID)
	o.notify(map[string]any{"type": "task_update", "task": t})
	o.Nudge()
	return t, nil
}

// Health reports bus connectivity.
func (o *Orchestrator) Health() models.Health {
	return models.Health{Status: "ok", BusConnected: o.bus.Connected(), Time: o.opts.Now().UTC()}
}

// Run subscribes to robot topics and runs assignment passes every Interval
// and on every nudge, until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	subs := []struct {
		topic string
		h     bus.Handler
	}{
		{o.opts.Topics.Status(), o.onStatus},
		{o.opts.Topics.Events(), o.onEvent},
		{o.opts.Topics.Claim(), o.onClaim},
	}
	for _, s := range subs {
		unsub, err := o.bus.Subscribe(s.topic, s.h)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
		defer unsub()
	}
	slog.Info("orchestrator running", "mode", o.opts.Mode, "interval", o.opts.Interval, "topics", o.opts.Topics.Prefix)

	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()
	for {
		o.runPass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.nudge:
		}
	}
}

func (o *Orchestrator) runPass(ctx context.Context) {
	if _, err := o.AssignPass(ctx); err != nil && ctx.Err() == nil {
		slog.Error("assignment pass failed", "err", err)
	}
}
