// Package models provides shared types for the fleet HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Task is a unit of transport work (pick or drop of a container).
type Task struct {
	TaskID        int64      `json:"task_id"`
	ContainerID   string     `json:"container_id"`
	Action        string     `json:"action"`
	Priority      int        `json:"priority"`
	Source        *string    `json:"source_rack,omitempty"`
	Destination   *string    `json:"destination_rack,omitempty"`
	Status        string     `json:"status"`
	CurrentStep   string     `json:"current_step"`
	AssignedRobot *int64     `json:"assigned_robot,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	AckedAt       *time.Time `json:"acked_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Robot is the orchestrator's view of one fleet member.
type Robot struct {
	RobotID     int64     `json:"robot_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	FSMState    string    `json:"fsm_state"`
	Battery     int       `json:"battery"`
	X           int       `json:"x_pos"`
	Y           int       `json:"y_pos"`
	LastSeen    time.Time `json:"last_seen"`
	CurrentTask *int64    `json:"current_task,omitempty"`
}

// LogEntry is one robot event as recorded by the orchestrator.
type LogEntry struct {
	LogID     int64     `json:"log_id"`
	MessageID string    `json:"msg_id,omitempty"`
	RobotID   int64     `json:"robot_id"`
	TaskID    *int64    `json:"task_id,omitempty"`
	Event     string    `json:"event"`
	Detail    string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateTask is the POST /tasks request body.
type CreateTask struct {
	ContainerID string  `json:"container_id"`
	Action      string  `json:"action"`
	Priority    *int    `json:"priority,omitempty"`
	Source      *string `json:"source_rack,omitempty"`
	Destination *string `json:"destination_rack,omitempty"`
}

// Health is the /health API response.
type Health struct {
	Status       string    `json:"status"`
	BusConnected bool      `json:"bus_connected"`
	Time         time.Time `json:"time"`
}

// Dashboard is the /dashboard API response.
type Dashboard struct {
	Mode           string           `json:"mode"`
	TotalTasks     int64            `json:"total_tasks"`
	PendingTasks   int64            `json:"pending_tasks"`
	CompletedTasks int64            `json:"completed_tasks"`
	TasksByStatus  map[string]int64 `json:"tasks_by_status"`
	Robots         []Robot          `json:"robots"`
}
