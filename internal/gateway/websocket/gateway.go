package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/channel"
	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/dispatch"
	"github.com/searle-dev/anywork/internal/events"
	"github.com/searle-dev/anywork/internal/events/bus"
	"github.com/searle-dev/anywork/internal/task/service"
	"github.com/searle-dev/anywork/internal/title"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the deployment proxy in front of us.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway owns the duplex websocket surface. Chat frames become tasks
// dispatched with the connection as live subscriber; subscribe frames
// re-attach clients to tasks running anywhere via the event bus.
type Gateway struct {
	hub        *Hub
	service    *service.Service
	dispatcher *dispatch.Dispatcher
	duplex     channel.Channel
	bus        bus.EventBus
	logger     *logger.Logger

	// runCtx outlives individual connections so tasks keep running when
	// their client hangs up.
	runCtx context.Context
	subs   []bus.Subscription
}

// New creates the gateway. eventBus may be nil; the subscribe frames then
// only ever see frames from tasks this process dispatches.
func New(svc *service.Service, dispatcher *dispatch.Dispatcher, duplex channel.Channel, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	return &Gateway{
		hub:        NewHub(log),
		service:    svc,
		dispatcher: dispatcher,
		duplex:     duplex,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "ws-gateway")),
	}
}

// Start launches the hub and taps the bus subjects that feed task
// followers. ctx bounds every task run started from this gateway.
func (g *Gateway) Start(ctx context.Context) error {
	g.runCtx = ctx
	go g.hub.Run(ctx)

	if g.bus == nil {
		return nil
	}
	logSub, err := g.bus.Subscribe(events.BuildTaskLogWildcardSubject(), g.onTaskLog)
	if err != nil {
		return err
	}
	g.subs = append(g.subs, logSub)

	statusSub, err := g.bus.Subscribe(events.BuildTaskStatusWildcardSubject(), g.onTaskStatus)
	if err != nil {
		return err
	}
	g.subs = append(g.subs, statusSub)
	return nil
}

// Stop detaches the bus taps. The hub drains via the Start context.
func (g *Gateway) Stop() {
	for _, sub := range g.subs {
		_ = sub.Unsubscribe()
	}
	g.subs = nil
}

// RegisterRoutes mounts the upgrade endpoint.
func (g *Gateway) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", g.handleConnection)
}

func (g *Gateway) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.WithError(err).Error("websocket upgrade failed")
		return
	}

	client := newClient(uuid.New().String(), conn, g, g.logger)
	g.logger.Debug("websocket connection established",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	g.hub.Register(client)
	go client.writePump()
	client.readPump()
}

func (g *Gateway) handleFrame(client *Client, frame *inboundFrame) {
	switch frame.Type {
	case frameChat:
		g.handleChat(client, frame)
	case framePing:
		client.sendFrame(dispatch.Frame{Type: framePong})
	case frameSubscribe:
		g.handleSubscribe(client, frame)
	case frameUnsubscribe:
		g.handleUnsubscribe(client, frame)
	default:
		client.sendError("unknown frame type: " + frame.Type)
	}
}

// handleChat turns one chat frame into a dispatched task. The session is
// created on first contact and announced before any stream frame; the
// run itself leaves the read goroutine immediately.
func (g *Gateway) handleChat(client *Client, frame *inboundFrame) {
	if strings.TrimSpace(frame.Message) == "" {
		client.sendError("message is required")
		return
	}

	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	session, err := g.service.CreateSession(g.runCtx, sessionID, channel.TypeDuplex)
	if err != nil {
		g.logger.WithError(err).Error("failed to create duplex session")
		client.sendError("failed to create session")
		return
	}
	client.sendFrame(dispatch.Frame{Type: frameSessionCreated, SessionID: session.ID})

	if session.Title == nil {
		go g.announceTitle(client, session.ID, frame.Message)
	}

	task, err := g.service.SubmitTask(g.runCtx, g.duplex, &channel.TaskRequest{
		SessionID:     session.ID,
		Message:       frame.Message,
		Skills:        frame.Skills,
		BridgeConfigs: frame.BridgeConfigs,
	})
	if err != nil {
		g.logger.WithError(err).Error("failed to submit duplex task")
		client.sendError("failed to submit task")
		return
	}

	go func() {
		if _, err := g.dispatcher.Run(g.runCtx, task, g.duplex, client); err != nil {
			g.logger.WithError(err).Error("duplex task run failed",
				zap.String("task_id", task.ID))
		}
	}()
}

// announceTitle asks the generator for a session title and pushes it down
// this connection. Disabled or failed generation stays silent; the
// session just keeps no title.
func (g *Gateway) announceTitle(client *Client, sessionID, message string) {
	generated, err := g.service.GenerateSessionTitle(g.runCtx, sessionID, message)
	if err != nil {
		if !errors.Is(err, title.ErrDisabled) {
			g.logger.WithError(err).Debug("session title generation failed",
				zap.String("session_id", sessionID))
		}
		return
	}
	client.sendFrame(dispatch.Frame{Type: frameSessionTitle, SessionID: sessionID, Content: generated})
}

func (g *Gateway) handleSubscribe(client *Client, frame *inboundFrame) {
	if frame.TaskID == "" {
		client.sendError("task_id is required")
		return
	}
	task, err := g.service.GetTask(g.runCtx, frame.TaskID)
	if err != nil {
		client.sendError("task not found: " + frame.TaskID)
		return
	}

	g.hub.SubscribeToTask(client, task.ID)
	client.sendFrame(dispatch.Frame{
		Type:      frameSubscribed,
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Metadata:  map[string]interface{}{"status": string(task.Status)},
	})
}

func (g *Gateway) handleUnsubscribe(client *Client, frame *inboundFrame) {
	if frame.TaskID == "" {
		client.sendError("task_id is required")
		return
	}
	g.hub.UnsubscribeFromTask(client, frame.TaskID)
}

// onTaskLog relays a published stream event to followers of its task.
func (g *Gateway) onTaskLog(ctx context.Context, event *bus.Event) error {
	taskID, _ := event.Data["task_id"].(string)
	if taskID == "" {
		return nil
	}
	frame := dispatch.Frame{
		Type:    stringField(event.Data, "type"),
		TaskID:  taskID,
		Content: stringField(event.Data, "content"),
	}
	if metadata, ok := event.Data["metadata"].(map[string]interface{}); ok {
		frame.Metadata = metadata
	}
	g.hub.BroadcastToTask(taskID, frame)
	return nil
}

// onTaskStatus relays status transitions to followers.
func (g *Gateway) onTaskStatus(ctx context.Context, event *bus.Event) error {
	taskID, _ := event.Data["task_id"].(string)
	if taskID == "" {
		return nil
	}
	g.hub.BroadcastToTask(taskID, dispatch.Frame{
		Type:      frameTaskStatus,
		TaskID:    taskID,
		SessionID: stringField(event.Data, "session_id"),
		Metadata:  map[string]interface{}{"status": stringField(event.Data, "status")},
	})
	return nil
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}
