package workerapi

import "github.com/searle-dev/anywork/internal/task/models"

// Endpoint identifies a reachable worker instance. Drivers produce endpoints
// from acquire; the ID is recorded on tasks as worker_id.
type Endpoint struct {
	ID      string `json:"id"`
	BaseURL string `json:"base_url"`
}

// Event types emitted by the worker stream. Unknown types are passed through
// untouched.
const (
	EventText       = "text"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventError      = "error"
	EventDone       = "done"
)

// Event is one decoded frame from the worker's SSE stream.
type Event struct {
	Type     string                 `json:"type"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DoneStats is the execution summary carried in the metadata of a done event.
type DoneStats struct {
	Result     string
	CostUSD    *float64
	NumTurns   *int
	DurationMS *int64
}

// ParseDoneStats extracts the execution summary from a done event's metadata.
// Missing or mistyped fields are simply absent; JSON numbers arrive as
// float64 and are converted here.
func (e *Event) ParseDoneStats() DoneStats {
	stats := DoneStats{Result: e.Content}
	if e.Metadata == nil {
		return stats
	}
	if result, ok := e.Metadata["result"].(string); ok && result != "" {
		stats.Result = result
	}
	if cost, ok := e.Metadata["cost_usd"].(float64); ok {
		stats.CostUSD = &cost
	}
	if turns, ok := e.Metadata["num_turns"].(float64); ok {
		n := int(turns)
		stats.NumTurns = &n
	}
	if duration, ok := e.Metadata["duration_ms"].(float64); ok {
		d := int64(duration)
		stats.DurationMS = &d
	}
	return stats
}

// PrepareRequest is the body of POST /prepare.
type PrepareRequest struct {
	TaskID        string                `json:"task_id"`
	Skills        []models.Skill        `json:"skills"`
	BridgeConfigs []models.BridgeConfig `json:"bridge_configs"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// CancelRequest is the body of POST /cancel.
type CancelRequest struct {
	SessionID string `json:"session_id"`
}

// WorkspaceFile is the response of GET /workspace/{file} and the body of the
// matching PUT.
type WorkspaceFile struct {
	File    string `json:"file"`
	Content string `json:"content"`
}
