package channel

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
)

// TypeWebhook is the generic token-authenticated webhook channel.
const TypeWebhook = "webhook"

// WebhookTokenHeader carries the shared secret on generic webhook posts.
const WebhookTokenHeader = "X-Webhook-Token"

// WebhookChannel accepts task requests from any system that can POST
// JSON with a shared secret. The body is already in TaskRequest shape.
type WebhookChannel struct {
	name     string
	token    string
	defaults Defaults
}

// NewWebhookChannel creates the generic webhook channel. The token must
// be non-empty; the caller decides whether to register the channel at all
// when no secret is configured.
func NewWebhookChannel(token string, defaults Defaults) *WebhookChannel {
	return &WebhookChannel{name: TypeWebhook, token: token, defaults: defaults}
}

// NewNamedWebhookChannel registers the generic webhook contract under a
// custom type name so several sources can coexist, each with its own
// secret and defaults.
func NewNamedWebhookChannel(name, token string, defaults Defaults) *WebhookChannel {
	return &WebhookChannel{name: name, token: token, defaults: defaults}
}

func (w *WebhookChannel) Type() string { return w.name }

func (w *WebhookChannel) Defaults() Defaults { return w.defaults }

// Verify compares the X-Webhook-Token header against the configured
// secret in constant time.
func (w *WebhookChannel) Verify(r *http.Request, body []byte) bool {
	if w.token == "" {
		return false
	}
	got := r.Header.Get(WebhookTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.token)) == 1
}

// Translate parses the posted TaskRequest. A missing message is an
// error, not a skip: the generic channel has no event types to ignore.
func (w *WebhookChannel) Translate(body []byte) (*TaskRequest, error) {
	var req TaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse webhook request: %w", err)
	}
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	return &req, nil
}
