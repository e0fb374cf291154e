// Package store defines the persistence interface and its SQLite implementation
// for tasks, robots and robot event logs.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/hania222/warehouse-fleet/pkg/models"
)

// ErrNotFound is returned when a task or robot does not exist.
var ErrNotFound = errors.New("not found")

// NewTask is the input to CreateTask. Validation happens in the orchestrator.
type NewTask struct {
	ContainerID string
	Action      string
	Priority    int
	Source      *string
	Destination *string
}

// RobotReport is one status heartbeat as applied to the robot row.
type RobotReport struct {
	RobotID  int64
	Status   string
	FSMState string
	Battery  int
	X, Y     int
	TaskID   *int64
	SeenAt   time.Time
}

// AssignOptions narrows AssignNext.
type AssignOptions struct {
	// SeenSince excludes robots whose last report is older. Zero means any.
	SeenSince time.Time
}

// Assignment is the result of a successful AssignNext.
type Assignment struct {
	Task  models.Task
	Robot models.Robot
}

// RobotName is the display name given to auto-registered robots.
func RobotName(robotID int64) string { return fmt.Sprintf("Robot-%02d", robotID) }
