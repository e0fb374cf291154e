package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hania222/warehouse-fleet/internal/store"
	"github.com/hania222/warehouse-fleet/pkg/models"
	"github.com/jackc/pgx/v5"
)

const activeStatuses = `('assigned','in_progress')`

func (s *Store) CreateTask(ctx context.Context, nt store.NewTask) (models.Task, error) {
	row := s.Pool.QueryRow(ctx, `INSERT INTO tasks(container_id, action, priority, source_rack, destination_rack, status, current_step, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+store.TaskColumns,
		nt.ContainerID, nt.Action, nt.Priority, nt.Source, nt.Destination, models.StatusPending, models.StepWaiting, store.Millis(time.Now()))
	return store.ScanTask(row)
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (models.Task, error) {
	t, err := store.ScanTask(s.Pool.QueryRow(ctx, `SELECT `+store.TaskColumns+` FROM tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %d: %w", taskID, store.ErrNotFound)
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	return s.queryTasks(ctx, `SELECT `+store.TaskColumns+` FROM tasks ORDER BY created_at DESC, task_id DESC LIMIT $1`, limit)
}

func (s *Store) PendingTasks(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	return s.queryTasks(ctx, `SELECT `+store.TaskColumns+` FROM tasks WHERE status = 'pending' ORDER BY priority ASC, created_at ASC, task_id ASC LIMIT $1`, limit)
}

func (s *Store) UnackedAssignments(ctx context.Context, assignedBefore time.Time) ([]models.Task, error) {
	return s.queryTasks(ctx, `SELECT `+store.TaskColumns+` FROM tasks WHERE status IN `+activeStatuses+` AND acked_at IS NULL AND assigned_at < $1 ORDER BY assigned_at ASC`, store.Millis(assignedBefore))
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]models.Task, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Task{}
	for rows.Next() {
		t, err := store.ScanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AssignNext locks the chosen task and robot rows; concurrent passes skip
// locked rows instead of waiting on them.
func (s *Store) AssignNext(ctx context.Context, opts store.AssignOptions) (*store.Assignment, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	task, err := store.ScanTask(tx.QueryRow(ctx, `SELECT `+store.TaskColumns+` FROM tasks WHERE status = 'pending'
ORDER BY priority ASC, created_at ASC, task_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	robot, err := store.ScanRobot(tx.QueryRow(ctx, `SELECT `+store.RobotColumns+` FROM robots r
WHERE r.status = 'idle' AND r.current_task IS NULL AND r.last_seen >= $1
  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.assigned_robot = r.robot_id AND t.status IN `+activeStatuses+`)
ORDER BY r.robot_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, store.Millis(opts.SeenSince)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tag, err := tx.Exec(ctx, `UPDATE tasks SET status = 'assigned', assigned_robot = $1, assigned_at = $2 WHERE task_id = $3 AND status = 'pending'`,
		robot.RobotID, store.Millis(now), task.TaskID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != 1 {
		return nil, fmt.Errorf("assign task %d: task no longer pending", task.TaskID)
	}
	if _, err := tx.Exec(ctx, `UPDATE robots SET status = 'busy', current_task = $1 WHERE robot_id = $2`, task.TaskID, robot.RobotID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	rid, tid := robot.RobotID, task.TaskID
	at := now.UTC().Truncate(time.Millisecond)
	task.Status = models.StatusAssigned
	task.AssignedRobot = &rid
	task.AssignedAt = &at
	robot.Status = models.RobotBusy
	robot.CurrentTask = &tid
	return &store.Assignment{Task: task, Robot: robot}, nil
}

func (s *Store) ClaimTask(ctx context.Context, taskID, robotID int64) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO robots(robot_id, name) VALUES($1, $2) ON CONFLICT (robot_id) DO NOTHING`, robotID, store.RobotName(robotID)); err != nil {
		return false, err
	}
	// Serialize claims by the same robot.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM robots WHERE robot_id = $1 FOR UPDATE`, robotID); err != nil {
		return false, err
	}
	now := store.Millis(time.Now())
	tag, err := tx.Exec(ctx, `UPDATE tasks SET status = 'assigned', assigned_robot = $1, assigned_at = $2, acked_at = $2
WHERE task_id = $3 AND status = 'pending'
  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.assigned_robot = $1 AND t.status IN `+activeStatuses+`)`,
		robotID, now, taskID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE robots SET status = 'busy', current_task = $1 WHERE robot_id = $2`, taskID, robotID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *Store) AckAssignment(ctx context.Context, taskID, robotID int64) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET acked_at = $1 WHERE task_id = $2 AND assigned_robot = $3 AND status IN `+activeStatuses+` AND acked_at IS NULL`,
		store.Millis(time.Now()), taskID, robotID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetTaskStep(ctx context.Context, taskID int64, step string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE tasks SET current_step = $1 WHERE task_id = $2 AND status NOT IN ('completed','failed')`, step, taskID)
	return err
}

func (s *Store) CompleteTask(ctx context.Context, taskID int64) (bool, error) {
	return s.finishTask(ctx, taskID, models.StatusCompleted, "")
}

func (s *Store) FailTask(ctx context.Context, taskID int64, step string) (bool, error) {
	return s.finishTask(ctx, taskID, models.StatusFailed, step)
}

func (s *Store) finishTask(ctx context.Context, taskID int64, status, step string) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var completedAt *int64
	if status == models.StatusCompleted {
		ms := store.Millis(time.Now())
		completedAt = &ms
	}
	var robotID *int64
	err = tx.QueryRow(ctx, `UPDATE tasks SET status = $1, completed_at = $2, current_step = COALESCE($3, current_step)
WHERE task_id = $4 AND status NOT IN ('completed','failed') RETURNING assigned_robot`,
		status, completedAt, store.NullableString(step), taskID).Scan(&robotID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if robotID != nil {
		if _, err := tx.Exec(ctx, `UPDATE robots SET status = 'idle', current_task = NULL WHERE robot_id = $1 AND current_task = $2`, *robotID, taskID); err != nil {
			return false, err
		}
	}
	return true, tx.Commit(ctx)
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (s *Store) EnsureRobot(ctx context.Context, robotID int64) (models.Robot, error) {
	if robotID <= 0 {
		return models.Robot{}, fmt.Errorf("invalid robot id %d", robotID)
	}
	if _, err := s.Pool.Exec(ctx, `INSERT INTO robots(robot_id, name) VALUES($1, $2) ON CONFLICT (robot_id) DO NOTHING`, robotID, store.RobotName(robotID)); err != nil {
		return models.Robot{}, err
	}
	return s.GetRobot(ctx, robotID)
}

func (s *Store) UpsertRobotStatus(ctx context.Context, rep store.RobotReport) (models.Robot, error) {
	if rep.RobotID <= 0 {
		return models.Robot{}, fmt.Errorf("invalid robot id %d", rep.RobotID)
	}
	if rep.SeenAt.IsZero() {
		rep.SeenAt = time.Now()
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return models.Robot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO robots(robot_id, name) VALUES($1, $2) ON CONFLICT (robot_id) DO NOTHING`, rep.RobotID, store.RobotName(rep.RobotID)); err != nil {
		return models.Robot{}, err
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM robots WHERE robot_id = $1 FOR UPDATE`, rep.RobotID); err != nil {
		return models.Robot{}, err
	}
	active, err := optionalTask(tx.QueryRow(ctx, `SELECT `+store.TaskColumns+` FROM tasks WHERE assigned_robot = $1 AND status IN `+activeStatuses+` ORDER BY task_id LIMIT 1`, rep.RobotID))
	if err != nil {
		return models.Robot{}, err
	}
	var reported *models.Task
	if rep.TaskID != nil {
		reported, err = optionalTask(tx.QueryRow(ctx, `SELECT `+store.TaskColumns+` FROM tasks WHERE task_id = $1 AND assigned_robot = $2 AND status IN `+activeStatuses, *rep.TaskID, rep.RobotID))
		if err != nil {
			return models.Robot{}, err
		}
	}
	status, current, ack := store.ResolveReport(rep, reported, active)
	if ack {
		if _, err := tx.Exec(ctx, `UPDATE tasks SET acked_at = $1 WHERE task_id = $2 AND acked_at IS NULL`, store.Millis(rep.SeenAt), *current); err != nil {
			return models.Robot{}, err
		}
	}
	r, err := store.ScanRobot(tx.QueryRow(ctx, `UPDATE robots SET status = $1, fsm_state = $2, battery = $3, x_pos = $4, y_pos = $5, last_seen = $6, current_task = $7
WHERE robot_id = $8 RETURNING `+store.RobotColumns,
		status, rep.FSMState, store.ClampBattery(rep.Battery), rep.X, rep.Y, store.Millis(rep.SeenAt), current, rep.RobotID))
	if err != nil {
		return models.Robot{}, err
	}
	return r, tx.Commit(ctx)
}

func optionalTask(row pgx.Row) (*models.Task, error) {
	t, err := store.ScanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetRobot(ctx context.Context, robotID int64) (models.Robot, error) {
	r, err := store.ScanRobot(s.Pool.QueryRow(ctx, `SELECT `+store.RobotColumns+` FROM robots WHERE robot_id = $1`, robotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Robot{}, fmt.Errorf("robot %d: %w", robotID, store.ErrNotFound)
	}
	return r, err
}

func (s *Store) ListRobots(ctx context.Context) ([]models.Robot, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+store.RobotColumns+` FROM robots ORDER BY robot_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Robot{}
	for rows.Next() {
		r, err := store.ScanRobot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AppendLog(ctx context.Context, e models.LogEntry) (bool, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	tag, err := s.Pool.Exec(ctx, `INSERT INTO logs(msg_id, robot_id, task_id, event, details, timestamp) VALUES($1, $2, $3, $4, $5, $6) ON CONFLICT (msg_id) DO NOTHING`,
		store.NullableString(e.MessageID), e.RobotID, e.TaskID, e.Event, e.Detail, store.Millis(e.Timestamp))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListLogs(ctx context.Context, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = models.DefaultLogListLimit
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+store.LogColumns+` FROM logs ORDER BY timestamp DESC, log_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.LogEntry{}
	for rows.Next() {
		e, err := store.ScanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ store.Store = (*Store)(nil)
