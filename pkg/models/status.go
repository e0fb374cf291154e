package models

// Task statuses. Status only moves forward along Rank.
const (
	StatusPending    = "pending"
	StatusAssigned   = "assigned"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Robot statuses.
const (
	RobotIdle  = "idle"
	RobotBusy  = "busy"
	RobotError = "error"
)

// Task actions.
const (
	ActionPick = "PICK"
	ActionDrop = "DROP"
)

// Initial step recorded on a new task before any robot event.
const StepWaiting = "WAITING"

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultLogListLimit        = 100
	DefaultSSEChannelBuffer    = 256
	DefaultTaskPriority        = 1
)

// Rank orders task statuses; completed and failed share the terminal rank.
// Unknown statuses rank -1.
func Rank(status string) int {
	switch status {
	case StatusPending:
		return 0
	case StatusAssigned:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return -1
}

// IsTerminal reports whether no further status change is allowed.
func IsTerminal(status string) bool { return Rank(status) == 3 }

// IsActive reports whether a task with this status holds its robot.
func IsActive(status string) bool {
	return status == StatusAssigned || status == StatusInProgress
}

// ValidAction reports whether a is a recognized task action.
func ValidAction(a string) bool { return a == ActionPick || a == ActionDrop }
