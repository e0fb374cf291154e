package agent

import (
	"github.com/hania222/warehouse-fleet/internal/protocol"
	"github.com/hania222/warehouse-fleet/pkg/models"
)

// State is a robot FSM state. The string is what goes on the wire as fsm_state.
type State string

const (
	StateIdle       State = "IDLE"
	StateFollowLine State = "FOLLOW_LINE"
	StateAtTarget   State = "AT_TARGET"
	StateScanQR     State = "SCAN_QR"
	StateAlign      State = "ALIGN"
	StatePickSim    State = "PICK_SIM"
	StateDeliver    State = "DELIVER"
	StateDropSim    State = "DROP_SIM"
	StateError      State = "ERROR"
)

// RobotStatus maps the FSM state to the coarse robot status reported to the
// orchestrator.
func (s State) RobotStatus() string {
	switch s {
	case StateIdle:
		return models.RobotIdle
	case StateError:
		return models.RobotError
	default:
		return models.RobotBusy
	}
}

// Snapshot is a copy of the agent state taken under its lock.
type Snapshot struct {
	RobotID     int64
	State       State
	Status      string
	Battery     int
	Position    protocol.Position
	TaskID      *int64
	ContainerID string
	// ClaimFor is the task this robot has claimed and awaits a verdict on.
	ClaimFor *int64
}
