// Package models defines the persistent entities of the control plane:
// sessions, tasks, and the per-task event log.
package models

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending is the initial state of a created task.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task has been dispatched to a worker.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusInputRequired indicates the worker is waiting on user input.
	TaskStatusInputRequired TaskStatus = "input_required"
	// TaskStatusCompleted is the successful terminal state.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed is the terminal state after an execution error.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCanceled is the terminal state after user cancellation.
	TaskStatusCanceled TaskStatus = "canceled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	}
	return false
}

// Cancelable reports whether a cancel request is allowed in this status.
func (s TaskStatus) Cancelable() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusInputRequired:
		return true
	}
	return false
}

// Session is an execution environment shared by the tasks created under it.
// A session maps to exactly one worker instance at the driver level.
type Session struct {
	ID          string    `json:"id" db:"id"`
	ChannelType string    `json:"channel_type" db:"channel_type"`
	Title       *string   `json:"title,omitempty" db:"title"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	LastActive  time.Time `json:"last_active" db:"last_active"`
}

// Skill is a named capability bundle injected into the worker's workspace
// before a task runs. Files maps relative paths to file contents.
type Skill struct {
	Name  string            `json:"name"`
	Files map[string]string `json:"files,omitempty"`
}

// BridgeConfig describes one external tool bridge (an MCP server) made
// available to the agent at runtime. Fields beyond Name pass through to the
// worker verbatim.
type BridgeConfig struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport,omitempty"` // stdio, sse, http
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// PushConfig is the optional outbound push-notification descriptor attached
// to a task. Events, when non-empty, restricts which terminal statuses fire.
type PushConfig struct {
	URL        string   `json:"url"`
	AuthHeader string   `json:"auth_header,omitempty"`
	Events     []string `json:"events,omitempty"`
}

// Wants reports whether the descriptor asks for a push on the given status.
func (p *PushConfig) Wants(status TaskStatus) bool {
	if len(p.Events) == 0 {
		return true
	}
	for _, ev := range p.Events {
		if ev == string(status) {
			return true
		}
	}
	return false
}

// Task is one request-response execution: the unit of scheduling,
// observability, and cancellation. Skills and BridgeConfigs are frozen at
// creation time after the channel defaults merge.
type Task struct {
	ID               string                 `json:"id" db:"id"`
	SessionID        string                 `json:"session_id" db:"session_id"`
	ChannelType      string                 `json:"channel_type" db:"channel_type"`
	ChannelMeta      map[string]interface{} `json:"channel_meta,omitempty"`
	Status           TaskStatus             `json:"status" db:"status"`
	Message          string                 `json:"message" db:"message"`
	Skills           []Skill                `json:"skills,omitempty"`
	BridgeConfigs    []BridgeConfig         `json:"bridge_configs,omitempty"`
	Push             *PushConfig            `json:"push_notification,omitempty"`
	Result           *string                `json:"result,omitempty" db:"result"`
	StructuredOutput map[string]interface{} `json:"structured_output,omitempty"`
	Error            *string                `json:"error,omitempty" db:"error"`
	CostUSD          *float64               `json:"cost_usd,omitempty" db:"cost_usd"`
	NumTurns         *int                   `json:"num_turns,omitempty" db:"num_turns"`
	DurationMS       *int64                 `json:"duration_ms,omitempty" db:"duration_ms"`
	WorkerID         *string                `json:"worker_id,omitempty" db:"worker_id"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty" db:"started_at"`
	FinishedAt       *time.Time             `json:"finished_at,omitempty" db:"finished_at"`
}

// TaskLog is a single streamed event for a task. Seq is a dense 0-based
// integer per task, assigned at insert time; entries are append-only.
type TaskLog struct {
	TaskID    string                 `json:"task_id" db:"task_id"`
	Seq       int64                  `json:"seq" db:"seq"`
	Type      string                 `json:"type" db:"type"`
	Content   string                 `json:"content" db:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}
