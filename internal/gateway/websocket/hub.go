// Package websocket is the duplex gateway: interactive chat sessions over
// a single socket, plus live follow of tasks submitted on other channels.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/dispatch"
)

// Hub tracks connected clients and their task subscriptions.
type Hub struct {
	clients map[*Client]bool

	// Clients following specific tasks, fed from the event bus.
	taskSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub. Run must be started for clients to
// register.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:         make(map[*Client]bool),
		taskSubscribers: make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		logger:          log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run processes client registration until the context ends, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
	h.taskSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.close()

	for taskID := range client.subscriptions {
		if clients, ok := h.taskSubscribers[taskID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.taskSubscribers, taskID)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client and closes its send queue.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToTask fans a frame out to every client following the task.
func (h *Hub) BroadcastToTask(taskID string, frame dispatch.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.taskSubscribers[taskID]))
	for client := range h.taskSubscribers[taskID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		_ = client.enqueue(data)
	}
}

// SubscribeToTask registers a client for a task's live frames.
func (h *Hub) SubscribeToTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.taskSubscribers[taskID]; !ok {
		h.taskSubscribers[taskID] = make(map[*Client]bool)
	}
	h.taskSubscribers[taskID][client] = true
	client.subscriptions[taskID] = true

	h.logger.Debug("client subscribed to task",
		zap.String("client_id", client.ID),
		zap.String("task_id", taskID))
}

// UnsubscribeFromTask stops a client's live follow of a task.
func (h *Hub) UnsubscribeFromTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, taskID)
	if clients, ok := h.taskSubscribers[taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskSubscribers, taskID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
