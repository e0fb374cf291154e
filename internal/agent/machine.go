package agent

import (
	"context"
	"time"

	"github.com/hania222/warehouse-fleet/internal/hardware"
	"github.com/hania222/warehouse-fleet/internal/otel"
	"github.com/hania222/warehouse-fleet/internal/protocol"
)

// step runs one FSM tick at now: the current state's entry action if it has
// not run yet, then its exit check. A transition made here takes effect for
// the next tick. Every tick ends with a status heartbeat.
func (a *Agent) step(ctx context.Context, now time.Time) {
	a.mu.Lock()
	a.battery.advance(now, a.state != StateIdle)
	first := !a.entered
	a.entered = true

	switch a.state {
	case StateIdle:
		if first {
			a.commandLocked(hardware.CmdStop)
		}
		if a.pending != nil && !now.Before(a.pending.expires) {
			a.log.Info("claim expired", "task_id", a.pending.task.TaskID)
			a.pending = nil
		}

	case StateFollowLine, StateDeliver:
		if a.linkDown {
			a.transitionLocked(StateError)
			break
		}
		if first {
			a.commandLocked(hardware.CmdFollowLine)
			if a.state == StateFollowLine {
				a.emitLocked(protocol.TagFollowingLine, a.targetLocked(true))
			} else {
				a.emitLocked(protocol.TagDelivering, a.targetLocked(false))
			}
		}
		if a.marker {
			if a.state == StateFollowLine {
				a.transitionLocked(StateAtTarget)
			} else {
				a.transitionLocked(StateDropSim)
			}
		}

	case StateAtTarget:
		a.commandLocked(hardware.CmdStop)
		a.emitLocked(protocol.TagTargetReached, a.targetLocked(true))
		a.transitionLocked(StateScanQR)

	case StateScanQR:
		if first {
			a.emitLocked(protocol.TagQRScanStart, a.task.ContainerID)
			a.startMatchLocked(ctx)
		}
		select {
		case r := <-a.match:
			a.match = nil
			switch {
			case r.err != nil:
				a.emitLocked(protocol.TagQRFailed, r.err.Error())
				a.transitionLocked(StateError)
			case r.res.Confirms(a.task.ContainerID):
				a.emitLocked(protocol.TagQRConfirmed, r.res.ID)
				a.transitionLocked(StateAlign)
			default:
				detail := string(r.res.Outcome)
				if r.res.ID != "" {
					detail += " " + r.res.ID
				}
				a.emitLocked(protocol.TagQRFailed, detail)
				a.transitionLocked(StateError)
			}
		default:
		}

	case StateAlign:
		a.commandLocked(hardware.CmdAlign)
		a.emitLocked(protocol.TagAligned, "")
		a.transitionLocked(StatePickSim)

	case StatePickSim:
		if first {
			a.commandLocked(hardware.CmdLEDRedOn, hardware.CmdBuzzerOn)
			a.deadline = now.Add(a.cfg.Dwell)
		}
		if !now.Before(a.deadline) {
			a.commandLocked(hardware.CmdBuzzerOff)
			a.emitLocked(protocol.TagPickCompleted, a.task.ContainerID)
			a.transitionLocked(StateDeliver)
		}

	case StateDropSim:
		if first {
			a.commandLocked(hardware.CmdLEDGreenOn, hardware.CmdBuzzerOn)
			a.deadline = now.Add(a.cfg.Dwell)
		}
		if !now.Before(a.deadline) {
			a.commandLocked(hardware.CmdBuzzerOff, hardware.CmdLEDGreenOff)
			a.emitLocked(protocol.TagDropCompleted, a.task.ContainerID)
			a.log.Info("task completed", "task_id", a.task.TaskID)
			a.task = nil
			a.transitionLocked(StateIdle)
		}

	case StateError:
		if first {
			a.commandLocked(hardware.CmdStop)
			a.emitLocked(protocol.TagError, "task abandoned")
			a.deadline = now.Add(a.cfg.Backoff)
			if a.task != nil {
				a.log.Warn("task abandoned", "task_id", a.task.TaskID)
			}
		}
		if !now.Before(a.deadline) {
			a.task = nil
			a.transitionLocked(StateIdle)
		}
	}

	a.outbox = append(a.outbox, outItem{topic: a.cfg.Topics.Status(), msg: a.statusLocked()})
	a.mu.Unlock()
	a.drain(ctx)
}

func (a *Agent) statusLocked() *protocol.Status {
	s := a.snapshotLocked()
	return &protocol.Status{
		RobotID:  s.RobotID,
		Status:   s.Status,
		FSMState: string(s.State),
		Battery:  s.Battery,
		Position: s.Position,
		TaskID:   s.TaskID,
	}
}

func (a *Agent) targetLocked(source bool) string {
	if a.task == nil {
		return ""
	}
	p := a.task.Destination
	if source {
		p = a.task.Source
	}
	if p == nil {
		return ""
	}
	return *p
}

// startMatchLocked runs AttemptMatch on its own goroutine; the result lands
// on a.match for a later tick to pick up.
func (a *Agent) startMatchLocked(ctx context.Context) {
	ch := make(chan matchResult, 1)
	mctx, cancel := context.WithCancel(ctx)
	a.match = ch
	expected := a.task.ContainerID
	timeout := a.cfg.MatchTimeout
	a.matches.Add(1)
	go func() {
		defer a.matches.Done()
		defer cancel()
		start := time.Now()
		res, err := a.matcher.AttemptMatch(mctx, expected, timeout)
		outcome := string(res.Outcome)
		if err != nil {
			outcome = "error"
		}
		otel.RecordPerception(context.Background(), outcome, time.Since(start))
		ch <- matchResult{res: res, err: err}
	}()
}
