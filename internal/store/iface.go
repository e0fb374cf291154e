package store

import (
	"context"
	"time"

	"github.com/hania222/warehouse-fleet/pkg/models"
)

// Store is the persistence interface for tasks, robots and the event log.
// Implementations: the SQLite store returned by Open and *postgres.Store.
//
// Multi-row updates (assignment, claim, completion, robot upsert) run in a
// single transaction. Task status never moves backward and terminal tasks
// are never modified.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, nt NewTask) (models.Task, error)
	GetTask(ctx context.Context, taskID int64) (models.Task, error)
	ListTasks(ctx context.Context, limit int) ([]models.Task, error)
	// PendingTasks returns pending tasks in dispatch order.
	PendingTasks(ctx context.Context, limit int) ([]models.Task, error)
	// AssignNext assigns the first pending task to the lowest-id idle robot
	// holding no active task. It returns nil when either side is empty.
	AssignNext(ctx context.Context, opts AssignOptions) (*Assignment, error)
	// ClaimTask moves a pending task to robotID if the robot holds no active
	// task. It reports whether this call won the task.
	ClaimTask(ctx context.Context, taskID, robotID int64) (bool, error)
	// AckAssignment records the robot's acceptance; repeated acks are no-ops.
	AckAssignment(ctx context.Context, taskID, robotID int64) (bool, error)
	// UnackedAssignments returns active tasks never acknowledged and
	// assigned before the cutoff.
	UnackedAssignments(ctx context.Context, assignedBefore time.Time) ([]models.Task, error)
	// SetTaskStep records the last event tag on a non-terminal task.
	SetTaskStep(ctx context.Context, taskID int64, step string) error
	// CompleteTask and FailTask report whether this call made the transition.
	// Both release the robot the task was assigned to.
	CompleteTask(ctx context.Context, taskID int64) (bool, error)
	FailTask(ctx context.Context, taskID int64, step string) (bool, error)
	CountTasksByStatus(ctx context.Context) (map[string]int64, error)

	// Robots
	EnsureRobot(ctx context.Context, robotID int64) (models.Robot, error)
	UpsertRobotStatus(ctx context.Context, r RobotReport) (models.Robot, error)
	GetRobot(ctx context.Context, robotID int64) (models.Robot, error)
	ListRobots(ctx context.Context) ([]models.Robot, error)

	// Logs
	// AppendLog reports false when an entry with the same MessageID exists.
	AppendLog(ctx context.Context, e models.LogEntry) (bool, error)
	ListLogs(ctx context.Context, limit int) ([]models.LogEntry, error)

	// Lifecycle
	Close() error
}
