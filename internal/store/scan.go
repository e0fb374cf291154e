package store

import (
	"database/sql"
	"time"

	"github.com/hania222/warehouse-fleet/pkg/models"
)

// Column lists shared by both SQL implementations; the Scan helpers below
// expect exactly this order.
const (
	TaskColumns  = `task_id, container_id, action, priority, source_rack, destination_rack, status, current_step, assigned_robot, created_at, assigned_at, acked_at, completed_at`
	RobotColumns = `robot_id, name, status, fsm_state, battery, x_pos, y_pos, last_seen, current_task`
	LogColumns   = `log_id, msg_id, robot_id, task_id, event, details, timestamp`

	taskColumns  = TaskColumns
	robotColumns = RobotColumns
	logColumns   = LogColumns
)

// Scanner is satisfied by *sql.Row, *sql.Rows and pgx rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Millis converts t to the stored representation.
func Millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// ScanTask reads one row selected with TaskColumns.
func ScanTask(sc Scanner) (models.Task, error) {
	var (
		t                                 models.Task
		src, dst                          sql.NullString
		robot, assigned, acked, completed sql.NullInt64
		created                           int64
	)
	if err := sc.Scan(&t.TaskID, &t.ContainerID, &t.Action, &t.Priority, &src, &dst, &t.Status, &t.CurrentStep,
		&robot, &created, &assigned, &acked, &completed); err != nil {
		return models.Task{}, err
	}
	t.Source = nullString(src)
	t.Destination = nullString(dst)
	t.AssignedRobot = nullInt(robot)
	t.CreatedAt = fromMillis(created)
	t.AssignedAt = nullTime(assigned)
	t.AckedAt = nullTime(acked)
	t.CompletedAt = nullTime(completed)
	return t, nil
}

// ScanRobot reads one row selected with RobotColumns.
func ScanRobot(sc Scanner) (models.Robot, error) {
	var (
		r        models.Robot
		lastSeen int64
		current  sql.NullInt64
	)
	if err := sc.Scan(&r.RobotID, &r.Name, &r.Status, &r.FSMState, &r.Battery, &r.X, &r.Y, &lastSeen, &current); err != nil {
		return models.Robot{}, err
	}
	r.LastSeen = fromMillis(lastSeen)
	r.CurrentTask = nullInt(current)
	return r, nil
}

// ScanLog reads one row selected with LogColumns.
func ScanLog(sc Scanner) (models.LogEntry, error) {
	var (
		e     models.LogEntry
		msgID sql.NullString
		task  sql.NullInt64
		ts    int64
	)
	if err := sc.Scan(&e.LogID, &msgID, &e.RobotID, &task, &e.Event, &e.Detail, &ts); err != nil {
		return models.LogEntry{}, err
	}
	e.MessageID = msgID.String
	e.TaskID = nullInt(task)
	e.Timestamp = fromMillis(ts)
	return e, nil
}

// NullableString maps "" to NULL for optional text columns.
func NullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ResolveReport decides what a heartbeat does to the robot row.
//
// reported is the task named by the report, if it is assigned to this
// robot; active is the robot's current assigned/in_progress task, if any.
// A non-idle robot keeps the task it names while that task is active. A
// robot that still holds an active task is never stored idle: it stays
// busy (or error, if it says so) on that task until the task finishes,
// since dispatch skips it either way. Everything else is idle with no
// task. ack reports whether the heartbeat implicitly acknowledges current.
func ResolveReport(rep RobotReport, reported, active *models.Task) (status string, current *int64, ack bool) {
	if reported != nil && models.IsActive(reported.Status) && rep.Status != models.RobotIdle {
		id := reported.TaskID
		return rep.Status, &id, reported.AckedAt == nil
	}
	if active != nil {
		id := active.TaskID
		if rep.Status == models.RobotError {
			return models.RobotError, &id, false
		}
		return models.RobotBusy, &id, false
	}
	return models.RobotIdle, nil, false
}

// ClampBattery keeps a reported battery level inside [0,100].
func ClampBattery(b int) int {
	switch {
	case b < 0:
		return 0
	case b > 100:
		return 100
	}
	return b
}
