package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hania222/warehouse-fleet/internal/otel"
	"github.com/hania222/warehouse-fleet/internal/protocol"
	"github.com/hania222/warehouse-fleet/internal/store"
	"github.com/hania222/warehouse-fleet/pkg/models"
)

// AssignPass hands out pending tasks and returns how many assignments (or,
// in claim mode, offers) it published. It does nothing while the bus is
// disconnected; tasks wait in the store as pending.
func (o *Orchestrator) AssignPass(ctx context.Context) (int, error) {
	if !o.bus.Connected() {
		slog.Debug("bus disconnected, assignment deferred")
		return 0, nil
	}
	o.passMu.Lock()
	defer o.passMu.Unlock()
	if o.opts.Mode == protocol.ModeClaim {
		return o.offerPending(ctx)
	}
	n, err := o.assignPending(ctx)
	if err != nil {
		return n, err
	}
	return n, o.redeliver(ctx)
}

func (o *Orchestrator) seenSince() time.Time {
	if o.opts.StaleAfter < 0 {
		return time.Time{}
	}
	return o.opts.Now().Add(-o.opts.StaleAfter)
}

// assignPending runs one AssignNext transaction per assignment until no
// pending task or no idle robot is left.
func (o *Orchestrator) assignPending(ctx context.Context) (int, error) {
	n := 0
	for {
		a, err := o.store.AssignNext(ctx, store.AssignOptions{SeenSince: o.seenSince()})
		if err != nil {
			return n, fmt.Errorf("assign next: %w", err)
		}
		if a == nil {
			return n, nil
		}
		n++
		otel.RecordAssignment(ctx, o.opts.Mode)
		slog.Info("task assigned", "task_id", a.Task.TaskID, "robot_id", a.Robot.RobotID)
		o.publishAssign(ctx, a.Task, a.Robot.RobotID)
		o.notify(map[string]any{"type": "task_update", "task": a.Task})
		o.notify(map[string]any{"type": "robot_update", "robot": a.Robot})
	}
}

// redeliver resends assignments the robot never acknowledged. A publish
// failure is left for the next pass.
func (o *Orchestrator) redeliver(ctx context.Context) error {
	tasks, err := o.store.UnackedAssignments(ctx, o.opts.Now().Add(-o.opts.AckTimeout))
	if err != nil {
		return fmt.Errorf("unacked assignments: %w", err)
	}
	for _, t := range tasks {
		if t.AssignedRobot == nil {
			continue
		}
		slog.Info("resending unacknowledged assignment", "task_id", t.TaskID, "robot_id", *t.AssignedRobot)
		o.publishAssign(ctx, t, *t.AssignedRobot)
	}
	return nil
}

func (o *Orchestrator) publishAssign(ctx context.Context, t models.Task, robotID int64) {
	msg := assignMessage(t)
	msg.RobotID = &robotID
	o.publish(ctx, o.opts.Topics.AssignTo(robotID), msg)
}

// offerPending broadcasts the oldest pending tasks when some robot is idle.
// Tasks stay pending until a claim wins them.
func (o *Orchestrator) offerPending(ctx context.Context) (int, error) {
	robots, err := o.store.ListRobots(ctx)
	if err != nil {
		return 0, fmt.Errorf("list robots: %w", err)
	}
	since := o.seenSince()
	idle := false
	for _, r := range robots {
		if r.Status == models.RobotIdle && r.CurrentTask == nil && !r.LastSeen.Before(since) {
			idle = true
			break
		}
	}
	if !idle {
		return 0, nil
	}
	tasks, err := o.store.PendingTasks(ctx, o.opts.OfferBatch)
	if err != nil {
		return 0, fmt.Errorf("pending tasks: %w", err)
	}
	for _, t := range tasks {
		o.publish(ctx, o.opts.Topics.Assign(), assignMessage(t))
	}
	return len(tasks), nil
}

func assignMessage(t models.Task) *protocol.Assign {
	return &protocol.Assign{
		TaskID:      t.TaskID,
		ContainerID: t.ContainerID,
		Action:      t.Action,
		Source:      t.Source,
		Destination: t.Destination,
	}
}

func (o *Orchestrator) publish(ctx context.Context, topic string, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		slog.Error("encode failed", "topic", topic, "err", err)
		return
	}
	if err := o.bus.Publish(ctx, topic, data); err != nil {
		slog.Warn("publish failed", "topic", topic, "err", err)
	}
}
