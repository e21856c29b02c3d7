package channel

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the channels known to this control plane instance,
// keyed by type. Registration happens at startup; lookups happen on
// every ingress request.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel. Registering the same type twice is an error:
// it would silently change which Defaults/Verify pair handles a route.
func (r *Registry) Register(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch == nil || ch.Type() == "" {
		return fmt.Errorf("channel must have a non-empty type")
	}
	if _, exists := r.channels[ch.Type()]; exists {
		return fmt.Errorf("channel %q already registered", ch.Type())
	}
	r.channels[ch.Type()] = ch
	return nil
}

// Get returns the channel for the given type.
func (r *Registry) Get(channelType string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelType]
	return ch, ok
}

// Types returns the registered channel types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.channels))
	for t := range r.channels {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
