package channel

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// TypeDuplex is the channel behind the websocket gateway.
const TypeDuplex = "duplex"

// DuplexChannel backs interactive websocket sessions. Its ingress is the
// websocket handshake, not the webhook route, so Verify always fails
// there; the gateway calls Translate-equivalent parsing on live frames.
type DuplexChannel struct {
	defaults Defaults
}

// NewDuplexChannel creates the duplex channel. Defaults are usually
// empty; deployments can inject baseline skills for every UI session.
func NewDuplexChannel(defaults Defaults) *DuplexChannel {
	return &DuplexChannel{defaults: defaults}
}

func (d *DuplexChannel) Type() string { return TypeDuplex }

func (d *DuplexChannel) Defaults() Defaults { return d.defaults }

// Verify rejects webhook deliveries: duplex has no shared secret and is
// only reachable over the websocket.
func (d *DuplexChannel) Verify(r *http.Request, body []byte) bool { return false }

// Translate parses the duplex-native task request shape. The websocket
// gateway builds requests from chat frames directly; this exists so the
// channel is complete and testable on its own.
func (d *DuplexChannel) Translate(body []byte) (*TaskRequest, error) {
	var req TaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse duplex request: %w", err)
	}
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	return &req, nil
}
