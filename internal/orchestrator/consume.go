package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hania222/warehouse-fleet/internal/otel"
	"github.com/hania222/warehouse-fleet/internal/protocol"
	"github.com/hania222/warehouse-fleet/internal/store"
	"github.com/hania222/warehouse-fleet/pkg/models"
)

// ConsumeStatus applies one robot heartbeat. Unknown robots are registered.
// A heartbeat never completes a task.
func (o *Orchestrator) ConsumeStatus(ctx context.Context, m protocol.Status) error {
	r, err := o.store.UpsertRobotStatus(ctx, store.RobotReport{
		RobotID:  m.RobotID,
		Status:   m.Status,
		FSMState: m.FSMState,
		Battery:  m.Battery,
		X:        m.Position.X,
		Y:        m.Position.Y,
		TaskID:   m.TaskID,
		SeenAt:   o.opts.Now(),
	})
	if err != nil {
		return fmt.Errorf("robot %d status: %w", m.RobotID, err)
	}
	o.notify(map[string]any{"type": "robot_update", "robot": r})
	return nil
}

// ConsumeEvent logs one robot event, once per msg_id. With a task id it
// records the step; DROP_COMPLETED completes the task. ERROR fails it only
// with FailOnError. No other tag changes task status.
func (o *Orchestrator) ConsumeEvent(ctx context.Context, m protocol.Event) error {
	ts := m.SentAt
	if ts.IsZero() {
		ts = o.opts.Now()
	}
	fresh, err := o.store.AppendLog(ctx, models.LogEntry{
		MessageID: m.MsgID,
		RobotID:   m.RobotID,
		TaskID:    m.TaskID,
		Event:     m.Event,
		Detail:    m.Detail,
		Timestamp: ts,
	})
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if !fresh {
		slog.Debug("duplicate event ignored", "msg_id", m.MsgID, "robot_id", m.RobotID)
		return ErrDuplicate
	}
	o.notify(map[string]any{"type": "log", "robot_id": m.RobotID, "task_id": m.TaskID, "event": m.Event, "details": m.Detail})
	if m.TaskID == nil {
		return nil
	}
	taskID := *m.TaskID
	if err := o.store.SetTaskStep(ctx, taskID, m.Event); err != nil {
		return fmt.Errorf("task %d step: %w", taskID, err)
	}

	var changed bool
	switch tag := m.Tag(); {
	case tag.Terminal():
		changed, err = o.store.CompleteTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("complete task %d: %w", taskID, err)
		}
		if changed {
			otel.RecordTaskOp(ctx, "complete", models.StatusCompleted)
			slog.Info("task completed", "task_id", taskID, "robot_id", m.RobotID)
		}
	case tag == protocol.TagError && o.opts.FailOnError:
		changed, err = o.store.FailTask(ctx, taskID, string(protocol.TagError))
		if err != nil {
			return fmt.Errorf("fail task %d: %w", taskID, err)
		}
		if changed {
			otel.RecordTaskOp(ctx, "fail", models.StatusFailed)
			slog.Warn("task failed on robot error", "task_id", taskID, "robot_id", m.RobotID)
		}
	}
	if t, err := o.store.GetTask(ctx, taskID); err == nil {
		o.notify(map[string]any{"type": "task_update", "task": t})
	}
	if changed {
		o.Nudge()
	}
	return nil
}

// ConsumeClaim handles a robot's reply to an assignment.
//
// Unicast: accepted acks the assignment; a rejection fails the task so it
// does not stay stuck on a busy robot. Claim mode: the first claim for a
// pending task wins and every claimant gets a verdict. In both modes a
// rejection from the robot holding the task fails it.
func (o *Orchestrator) ConsumeClaim(ctx context.Context, m protocol.Claim) error {
	t, err := o.store.GetTask(ctx, m.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("claim for unknown task", "task_id", m.TaskID, "robot_id", m.RobotID)
		if o.opts.Mode == protocol.ModeClaim && m.Accepted {
			o.verdict(ctx, m, false, "unknown task")
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim task %d: %w", m.TaskID, err)
	}
	holder := t.AssignedRobot != nil && *t.AssignedRobot == m.RobotID && models.IsActive(t.Status)

	if !m.Accepted {
		if holder {
			return o.reject(ctx, t, m.RobotID)
		}
		return nil
	}

	if o.opts.Mode != protocol.ModeClaim {
		acked, err := o.store.AckAssignment(ctx, m.TaskID, m.RobotID)
		if err != nil {
			return fmt.Errorf("ack task %d: %w", m.TaskID, err)
		}
		if acked {
			slog.Debug("assignment acknowledged", "task_id", m.TaskID, "robot_id", m.RobotID)
		}
		return nil
	}

	if holder {
		o.verdict(ctx, m, true, "")
		return nil
	}
	won, err := o.store.ClaimTask(ctx, m.TaskID, m.RobotID)
	if err != nil {
		return fmt.Errorf("claim task %d: %w", m.TaskID, err)
	}
	if !won {
		o.verdict(ctx, m, false, "taken")
		return nil
	}
	otel.RecordAssignment(ctx, o.opts.Mode)
	slog.Info("task claimed", "task_id", m.TaskID, "robot_id", m.RobotID)
	o.verdict(ctx, m, true, "")
	if t, err := o.store.GetTask(ctx, m.TaskID); err == nil {
		o.notify(map[string]any{"type": "task_update", "task": t})
	}
	return nil
}

func (o *Orchestrator) reject(ctx context.Context, t models.Task, robotID int64) error {
	failed, err := o.store.FailTask(ctx, t.TaskID, StepAssignmentRejected)
	if err != nil {
		return fmt.Errorf("fail task %d: %w", t.TaskID, err)
	}
	if failed {
		otel.RecordTaskOp(ctx, "fail", models.StatusFailed)
		slog.Warn("assignment rejected by robot", "task_id", t.TaskID, "robot_id", robotID)
		if t, err := o.store.GetTask(ctx, t.TaskID); err == nil {
			o.notify(map[string]any{"type": "task_update", "task": t})
		}
		o.Nudge()
	}
	return nil
}

func (o *Orchestrator) verdict(ctx context.Context, m protocol.Claim, granted bool, reason string) {
	o.publish(ctx, o.opts.Topics.ClaimResultFor(m.RobotID), &protocol.ClaimResult{
		TaskID:  m.TaskID,
		RobotID: m.RobotID,
		Granted: granted,
		Reason:  reason,
	})
}

func (o *Orchestrator) onStatus(ctx context.Context, data []byte) {
	var m protocol.Status
	o.consume(ctx, protocol.TypeStatus, data, &m, func() error { return o.ConsumeStatus(ctx, m) })
}

func (o *Orchestrator) onEvent(ctx context.Context, data []byte) {
	var m protocol.Event
	o.consume(ctx, protocol.TypeEvent, data, &m, func() error { return o.ConsumeEvent(ctx, m) })
}

func (o *Orchestrator) onClaim(ctx context.Context, data []byte) {
	var m protocol.Claim
	o.consume(ctx, protocol.TypeClaim, data, &m, func() error { return o.ConsumeClaim(ctx, m) })
}

// consume decodes into m and runs apply. Nothing here reaches the caller:
// bad or duplicate messages are counted and logged.
func (o *Orchestrator) consume(ctx context.Context, kind string, data []byte, m protocol.Message, apply func() error) {
	if err := protocol.Decode(data, m); err != nil {
		otel.RecordBusMessage(ctx, kind, "invalid")
		slog.Warn("bad message dropped", "kind", kind, "err", err)
		return
	}
	switch err := apply(); {
	case err == nil:
		otel.RecordBusMessage(ctx, kind, "ok")
	case errors.Is(err, ErrDuplicate):
		otel.RecordBusMessage(ctx, kind, "duplicate")
	default:
		otel.RecordBusMessage(ctx, kind, "error")
		slog.Error("message processing failed", "kind", kind, "err", err)
	}
}
