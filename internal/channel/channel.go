// Package channel defines the ingress abstraction that turns external
// events (websocket chat messages, webhooks, GitHub issue comments) into
// task requests, and optionally delivers results back to the source.
package channel

import (
	"context"
	"net/http"

	"github.com/searle-dev/anywork/internal/task/models"
)

// TaskRequest is the normalized output of channel translation. Every
// ingress path produces one of these before a task is persisted.
type TaskRequest struct {
	SessionID     string                 `json:"session_id"`
	Message       string                 `json:"message"`
	Skills        []models.Skill         `json:"skills,omitempty"`
	BridgeConfigs []models.BridgeConfig  `json:"bridge_configs,omitempty"`
	Push          *models.PushConfig     `json:"push,omitempty"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
}

// Defaults declares the capabilities a channel injects into every task
// it creates. Request-supplied entries are merged on top (see Merge*).
type Defaults struct {
	Skills        []models.Skill
	BridgeConfigs []models.BridgeConfig
}

// Channel is a single named ingress. Implementations must be safe for
// concurrent use; Verify and Translate are called per inbound request.
type Channel interface {
	// Type returns the channel identifier used in routes and task rows
	// (e.g. "duplex", "github", "webhook").
	Type() string

	// Defaults returns the skills and bridge configs injected into every
	// task created through this channel.
	Defaults() Defaults

	// Verify authenticates an inbound webhook request. The body is read
	// before verification so HMAC schemes can sign it. Channels without
	// webhook ingress return true.
	Verify(r *http.Request, body []byte) bool

	// Translate converts a raw webhook payload into a task request.
	// Returning (nil, nil) means the event is recognized but carries no
	// work (e.g. a bot's own comment); the caller acknowledges and drops it.
	Translate(body []byte) (*TaskRequest, error)
}

// Deliverer is implemented by channels that push completed results back
// to their origin (e.g. a GitHub issue comment). Delivery failures are
// logged, never propagated into task state.
type Deliverer interface {
	Deliver(ctx context.Context, task *models.Task) error
}
