package websocket

import (
	"github.com/searle-dev/anywork/internal/task/models"
)

// Inbound frame types.
const (
	frameChat        = "chat"
	framePing        = "ping"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
)

// Outbound frame types the gateway originates. Stream frames (text,
// tool_call, tool_result, error, done) keep the worker event names.
const (
	framePong           = "pong"
	frameSessionCreated = "session_created"
	frameSessionTitle   = "session_title"
	frameSubscribed     = "subscribed"
	frameTaskStatus     = "task_status"
)

// inboundFrame is the single envelope for everything a client sends.
// Type selects which fields matter.
type inboundFrame struct {
	Type          string                `json:"type"`
	SessionID     string                `json:"session_id,omitempty"`
	TaskID        string                `json:"task_id,omitempty"`
	Message       string                `json:"message,omitempty"`
	Skills        []models.Skill        `json:"skills,omitempty"`
	BridgeConfigs []models.BridgeConfig `json:"bridge_configs,omitempty"`
}
