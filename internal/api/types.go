package api

import "time"

// LaunchRequest is the JSON body for POST /task.
type LaunchRequest struct {
	Script  string            `json:"script"`
	Capture bool              `json:"capture,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// LaunchResponse is returned on successful launch.
type LaunchResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskStatusResponse is returned by GET /task/{task_id}.
type TaskStatusResponse struct {
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Diagnostics string     `json:"diagnostics,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskListResponse is returned by GET /task.
type TaskListResponse struct {
	Tasks []TaskStatusResponse `json:"tasks"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	TasksRunning  int    `json:"tasks_running"`
	TasksTotal    int    `json:"tasks_total"`
}
