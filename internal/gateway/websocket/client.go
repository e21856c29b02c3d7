package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/dispatch"
	"github.com/searle-dev/anywork/pkg/workerapi"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	sendQueueSize = 256
)

var errClientClosed = errors.New("websocket client closed")

// Client is a single duplex connection. It implements dispatch.Subscriber
// so a running task can stream straight to the socket.
type Client struct {
	ID      string
	conn    *websocket.Conn
	gateway *Gateway
	send    chan []byte

	// Task IDs this client follows. Guarded by the hub's mutex.
	subscriptions map[string]bool

	mu     sync.RWMutex
	closed bool

	logger *logger.Logger
}

func newClient(id string, conn *websocket.Conn, gateway *Gateway, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		gateway:       gateway,
		send:          make(chan []byte, sendQueueSize),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// Send queues a frame for the write pump, satisfying dispatch.Subscriber.
// A closed client returns an error so the dispatcher drops it.
func (c *Client) Send(frame dispatch.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// enqueue hands raw bytes to the write pump without blocking. A full
// queue drops the frame; slow readers miss frames rather than stall the
// task stream.
func (c *Client) enqueue(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send queue full, dropping frame")
	}
	return nil
}

// sendFrame is the fire-and-forget variant for gateway-originated frames.
func (c *Client) sendFrame(frame dispatch.Frame) {
	if err := c.Send(frame); err != nil && !errors.Is(err, errClientClosed) {
		c.logger.WithError(err).Debug("failed to queue frame")
	}
}

func (c *Client) sendError(message string) {
	c.sendFrame(dispatch.Frame{Type: workerapi.EventError, Content: message})
}

// close marks the client dead and releases the write pump. Safe to call
// more than once; only the hub calls it.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump drains inbound frames until the connection dies, then lets the
// hub tear the client down.
func (c *Client) readPump() {
	defer func() {
		c.gateway.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Debug("websocket read failed")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("invalid frame")
			continue
		}
		c.gateway.handleFrame(c, &frame)
	}
}

// writePump flushes queued frames and keeps the connection alive with
// pings. Queued frames are batched newline-separated into one message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(data)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
