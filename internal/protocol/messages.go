package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hania222/warehouse-fleet/pkg/models"
)

// ErrInvalidMessage is wrapped by every decode or validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// Envelope types.
const (
	TypeAssign      = "assign"
	TypeClaim       = "claim"
	TypeClaimResult = "claim_result"
	TypeStatus      = "status"
	TypeEvent       = "event"
)

// Header is common to every envelope. MsgID identifies one logical message
// so duplicate deliveries can be recognized by the receiver.
type Header struct {
	Type   string    `json:"type"`
	MsgID  string    `json:"msg_id"`
	SentAt time.Time `json:"sent_at"`
}

func (h *Header) head() *Header { return h }

// Message is implemented by every envelope type in this package.
type Message interface {
	head() *Header
	kind() string
	validate() error
}

// Position is a robot location on the warehouse grid.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Assign offers (claim mode) or hands (unicast mode) a task to robots.
// RobotID is set on unicast assignments and nil on broadcast offers.
type Assign struct {
	Header
	TaskID      int64   `json:"task_id"`
	ContainerID string  `json:"container_id"`
	Action      string  `json:"action"`
	Source      *string `json:"source,omitempty"`
	Destination *string `json:"destination,omitempty"`
	RobotID     *int64  `json:"robot_id,omitempty"`
}

func (Assign) kind() string { return TypeAssign }

func (m Assign) validate() error {
	if m.TaskID <= 0 {
		return errors.New("task_id required")
	}
	if m.ContainerID == "" {
		return errors.New("container_id required")
	}
	if !models.ValidAction(m.Action) {
		return fmt.Errorf("unknown action %q", m.Action)
	}
	return nil
}

// Claim is a robot's reply to an assignment. In unicast mode Accepted=false
// means the robot was busy; in claim mode it is a request for the task.
type Claim struct {
	Header
	TaskID   int64 `json:"task_id"`
	RobotID  int64 `json:"robot_id"`
	Accepted bool  `json:"accepted"`
}

func (Claim) kind() string { return TypeClaim }

func (m Claim) validate() error {
	if m.TaskID <= 0 || m.RobotID <= 0 {
		return errors.New("task_id and robot_id required")
	}
	return nil
}

// ClaimResult is the orchestrator's verdict on a claim.
type ClaimResult struct {
	Header
	TaskID  int64  `json:"task_id"`
	RobotID int64  `json:"robot_id"`
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

func (ClaimResult) kind() string { return TypeClaimResult }

func (m ClaimResult) validate() error {
	if m.TaskID <= 0 || m.RobotID <= 0 {
		return errors.New("task_id and robot_id required")
	}
	return nil
}

// Status is the periodic robot heartbeat.
type Status struct {
	Header
	RobotID  int64    `json:"robot_id"`
	Status   string   `json:"status"`
	FSMState string   `json:"fsm_state"`
	Battery  int      `json:"battery"`
	Position Position `json:"position"`
	TaskID   *int64   `json:"task_id,omitempty"`
}

func (Status) kind() string { return TypeStatus }

func (m Status) validate() error {
	if m.RobotID <= 0 {
		return errors.New("robot_id required")
	}
	switch m.Status {
	case models.RobotIdle, models.RobotBusy, models.RobotError:
	default:
		return fmt.Errorf("unknown robot status %q", m.Status)
	}
	if m.Battery < 0 || m.Battery > 100 {
		return fmt.Errorf("battery out of range: %d", m.Battery)
	}
	return nil
}

// Event is a discrete robot event.
type Event struct {
	Header
	RobotID int64  `json:"robot_id"`
	TaskID  *int64 `json:"task_id,omitempty"`
	Event   string `json:"event"`
	Detail  string `json:"detail,omitempty"`
}

func (Event) kind() string { return TypeEvent }

func (m Event) validate() error {
	if m.RobotID <= 0 {
		return errors.New("robot_id required")
	}
	if m.Event == "" {
		return errors.New("event required")
	}
	return nil
}

// Tag classifies the raw event string.
func (m Event) Tag() Tag { return ParseTag(m.Event) }

// Encode stamps the header (type, a fresh msg_id unless one is set, sent_at)
// and marshals m.
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.kind(), err)
	}
	h := m.head()
	h.Type = m.kind()
	if h.MsgID == "" {
		h.MsgID = uuid.NewString()
	}
	if h.SentAt.IsZero() {
		h.SentAt = time.Now().UTC()
	}
	return json.Marshal(m)
}

// Decode unmarshals data into m and checks the envelope type and required
// fields. Unknown fields are ignored.
func Decode(data []byte, m Message) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if got := m.head().Type; got != m.kind() {
		return fmt.Errorf("%w: type %q, want %q", ErrInvalidMessage, got, m.kind())
	}
	if err := m.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.kind(), err)
	}
	return nil
}
