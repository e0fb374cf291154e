package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hania222/warehouse-fleet/pkg/models"
)

const activeStatuses = `('assigned','in_progress')`

func (s *sqliteStore) CreateTask(ctx context.Context, nt NewTask) (models.Task, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO tasks(container_id, action, priority, source_rack, destination_rack, status, current_step, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		nt.ContainerID, nt.Action, nt.Priority, nt.Source, nt.Destination, models.StatusPending, models.StepWaiting, Millis(time.Now()))
	if err != nil {
		return models.Task{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Task{}, err
	}
	return s.GetTask(ctx, id)
}

func (s *sqliteStore) GetTask(ctx context.Context, taskID int64) (models.Task, error) {
	t, err := ScanTask(s.stmtGetTask.QueryRowContext(ctx, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, task_id DESC LIMIT ?`, limit)
}

func (s *sqliteStore) PendingTasks(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'pending' ORDER BY priority ASC, created_at ASC, task_id ASC LIMIT ?`, limit)
}

func (s *sqliteStore) UnackedAssignments(ctx context.Context, assignedBefore time.Time) ([]models.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN `+activeStatuses+` AND acked_at IS NULL AND assigned_at < ? ORDER BY assigned_at ASC`, Millis(assignedBefore))
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]models.Task, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []models.Task{}
	for rows.Next() {
		t, err := ScanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AssignNext(ctx context.Context, opts AssignOptions) (*Assignment, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	task, err := ScanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'pending' ORDER BY priority ASC, created_at ASC, task_id ASC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	robot, err := ScanRobot(tx.QueryRowContext(ctx, `SELECT `+robotColumns+` FROM robots r
WHERE r.status = 'idle' AND r.current_task IS NULL AND r.last_seen >= ?
  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.assigned_robot = r.robot_id AND t.status IN `+activeStatuses+`)
ORDER BY r.robot_id ASC LIMIT 1`, Millis(opts.SeenSince)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'assigned', assigned_robot = ?, assigned_at = ? WHERE task_id = ? AND status = 'pending'`,
		robot.RobotID, Millis(now), task.TaskID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("assign task %d: task no longer pending", task.TaskID)
	}
	res, err = tx.ExecContext(ctx, `UPDATE robots SET status = 'busy', current_task = ? WHERE robot_id = ? AND status = 'idle' AND current_task IS NULL`,
		task.TaskID, robot.RobotID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("assign task %d: robot %d no longer idle", task.TaskID, robot.RobotID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	rid := robot.RobotID
	at := now.UTC().Truncate(time.Millisecond)
	task.Status = models.StatusAssigned
	task.AssignedRobot = &rid
	task.AssignedAt = &at
	tid := task.TaskID
	robot.Status = models.RobotBusy
	robot.CurrentTask = &tid
	return &Assignment{Task: task, Robot: robot}, nil
}

func (s *sqliteStore) ClaimTask(ctx context.Context, taskID, robotID int64) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO robots(robot_id, name) VALUES(?, ?)`, robotID, RobotName(robotID)); err != nil {
		return false, err
	}
	now := Millis(time.Now())
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'assigned', assigned_robot = ?, assigned_at = ?, acked_at = ?
WHERE task_id = ? AND status = 'pending'
  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.assigned_robot = ? AND t.status IN `+activeStatuses+`)`,
		robotID, now, now, taskID, robotID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE robots SET status = 'busy', current_task = ? WHERE robot_id = ?`, taskID, robotID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) AckAssignment(ctx context.Context, taskID, robotID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET acked_at = ? WHERE task_id = ? AND assigned_robot = ? AND status IN `+activeStatuses+` AND acked_at IS NULL`,
		Millis(time.Now()), taskID, robotID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SetTaskStep(ctx context.Context, taskID int64, step string) error {
	_, err := s.stmtSetTaskStep.ExecContext(ctx, step, taskID)
	return err
}

func (s *sqliteStore) CompleteTask(ctx context.Context, taskID int64) (bool, error) {
	return s.finishTask(ctx, taskID, models.StatusCompleted, "")
}

func (s *sqliteStore) FailTask(ctx context.Context, taskID int64, step string) (bool, error) {
	return s.finishTask(ctx, taskID, models.StatusFailed, step)
}

// finishTask moves a non-terminal task to a terminal status and frees the
// robot if the robot row still points at it.
func (s *sqliteStore) finishTask(ctx context.Context, taskID int64, status, step string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var completedAt any
	if status == models.StatusCompleted {
		completedAt = Millis(time.Now())
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, completed_at = ?, current_step = COALESCE(?, current_step)
WHERE task_id = ? AND status NOT IN ('completed','failed')`, status, completedAt, NullableString(step), taskID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE robots SET status = 'idle', current_task = NULL
WHERE current_task = ? AND robot_id = (SELECT assigned_robot FROM tasks WHERE task_id = ?)`, taskID, taskID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) CountTasksByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]int64{}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) EnsureRobot(ctx context.Context, robotID int64) (models.Robot, error) {
	if robotID <= 0 {
		return models.Robot{}, fmt.Errorf("invalid robot id %d", robotID)
	}
	if _, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO robots(robot_id, name) VALUES(?, ?)`, robotID, RobotName(robotID)); err != nil {
		return models.Robot{}, err
	}
	return s.GetRobot(ctx, robotID)
}

func (s *sqliteStore) UpsertRobotStatus(ctx context.Context, rep RobotReport) (models.Robot, error) {
	if rep.RobotID <= 0 {
		return models.Robot{}, fmt.Errorf("invalid robot id %d", rep.RobotID)
	}
	if rep.SeenAt.IsZero() {
		rep.SeenAt = time.Now()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Robot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO robots(robot_id, name) VALUES(?, ?)`, rep.RobotID, RobotName(rep.RobotID)); err != nil {
		return models.Robot{}, err
	}
	active, err := optionalTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE assigned_robot = ? AND status IN `+activeStatuses+` ORDER BY task_id LIMIT 1`, rep.RobotID))
	if err != nil {
		return models.Robot{}, err
	}
	var reported *models.Task
	if rep.TaskID != nil {
		reported, err = optionalTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ? AND assigned_robot = ? AND status IN `+activeStatuses, *rep.TaskID, rep.RobotID))
		if err != nil {
			return models.Robot{}, err
		}
	}
	status, current, ack := ResolveReport(rep, reported, active)
	if ack {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET acked_at = ? WHERE task_id = ? AND acked_at IS NULL`, Millis(rep.SeenAt), *current); err != nil {
			return models.Robot{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE robots SET status = ?, fsm_state = ?, battery = ?, x_pos = ?, y_pos = ?, last_seen = ?, current_task = ? WHERE robot_id = ?`,
		status, rep.FSMState, ClampBattery(rep.Battery), rep.X, rep.Y, Millis(rep.SeenAt), current, rep.RobotID); err != nil {
		return models.Robot{}, err
	}
	r, err := ScanRobot(tx.QueryRowContext(ctx, `SELECT `+robotColumns+` FROM robots WHERE robot_id = ?`, rep.RobotID))
	if err != nil {
		return models.Robot{}, err
	}
	return r, tx.Commit()
}

func optionalTask(row Scanner) (*models.Task, error) {
	t, err := ScanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqliteStore) GetRobot(ctx context.Context, robotID int64) (models.Robot, error) {
	r, err := ScanRobot(s.stmtGetRobot.QueryRowContext(ctx, robotID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Robot{}, fmt.Errorf("robot %d: %w", robotID, ErrNotFound)
	}
	return r, err
}

func (s *sqliteStore) ListRobots(ctx context.Context) ([]models.Robot, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+robotColumns+` FROM robots ORDER BY robot_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []models.Robot{}
	for rows.Next() {
		r, err := ScanRobot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendLog(ctx context.Context, e models.LogEntry) (bool, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	res, err := s.stmtAppendLog.ExecContext(ctx, NullableString(e.MessageID), e.RobotID, e.TaskID, e.Event, e.Detail, Millis(e.Timestamp))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListLogs(ctx context.Context, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = models.DefaultLogListLimit
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+logColumns+` FROM logs ORDER BY timestamp DESC, log_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []models.LogEntry{}
	for rows.Next() {
		e, err := ScanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Store = (*sqliteStore)(nil)
