// Package dto defines the JSON shapes of the REST surface. Handlers
// convert models to these instead of serializing storage structs, so the
// wire format stays stable and task internals (skill files, push auth
// headers) never leak to clients.
package dto

import "time"

type SessionDTO struct {
	ID          string    `json:"id"`
	ChannelType string    `json:"channel_type"`
	Title       *string   `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}

// TaskDTO is the task projection served over REST. Skills are reduced to
// their names; bridge configs and the push descriptor stay internal.
type TaskDTO struct {
	ID               string                 `json:"id"`
	SessionID        string                 `json:"session_id"`
	ChannelType      string                 `json:"channel_type"`
	Status           string                 `json:"status"`
	Message          string                 `json:"message"`
	Skills           []string               `json:"skills,omitempty"`
	Result           *string                `json:"result,omitempty"`
	StructuredOutput map[string]interface{} `json:"structured_output,omitempty"`
	Error            *string                `json:"error,omitempty"`
	CostUSD          *float64               `json:"cost_usd,omitempty"`
	NumTurns         *int                   `json:"num_turns,omitempty"`
	DurationMS       *int64                 `json:"duration_ms,omitempty"`
	WorkerID         *string                `json:"worker_id,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	FinishedAt       *time.Time             `json:"finished_at,omitempty"`
}

type TaskLogDTO struct {
	Seq       int64                  `json:"seq"`
	Type      string                 `json:"type"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type ListSessionsResponse struct {
	Sessions []SessionDTO `json:"sessions"`
	Total    int          `json:"total"`
}

type ListTasksResponse struct {
	Tasks []TaskDTO `json:"tasks"`
	Total int       `json:"total"`
}

type ListTaskLogsResponse struct {
	Logs    []TaskLogDTO `json:"logs"`
	HasMore bool         `json:"hasMore"`
}

type ListChannelsResponse struct {
	Channels []string `json:"channels"`
}

type WorkspaceFileResponse struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}
