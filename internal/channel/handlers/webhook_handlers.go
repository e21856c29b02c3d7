// Package handlers exposes the inbound webhook endpoint that turns
// channel deliveries into tasks.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/channel"
	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/dispatch"
	"github.com/searle-dev/anywork/internal/task/models"
	"github.com/searle-dev/anywork/internal/task/service"
)

// Handlers receives webhook deliveries for every registered channel.
type Handlers struct {
	service    *service.Service
	dispatcher *dispatch.Dispatcher
	registry   *channel.Registry
	logger     *logger.Logger
}

// New creates webhook ingress handlers. dispatcher may be nil, in which
// case accepted tasks stay pending until something else picks them up.
func New(svc *service.Service, dispatcher *dispatch.Dispatcher, registry *channel.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		service:    svc,
		dispatcher: dispatcher,
		registry:   registry,
		logger:     log.WithFields(zap.String("component", "channel-ingress")),
	}
}

// RegisterRoutes wires the webhook ingress under /api/channel.
func RegisterRoutes(router *gin.Engine, svc *service.Service, dispatcher *dispatch.Dispatcher, registry *channel.Registry, log *logger.Logger) *Handlers {
	h := New(svc, dispatcher, registry, log)
	api := router.Group("/api/channel")
	{
		api.POST("/:type/webhook", h.receiveWebhook)
	}
	return h
}

// receiveWebhook authenticates and translates one delivery. Deliveries
// that carry no work are acknowledged with 200; accepted tasks return 202
// immediately and run on a detached goroutine.
func (h *Handlers) receiveWebhook(c *gin.Context) {
	channelType := c.Param("type")
	ch, ok := h.registry.Get(channelType)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel: " + channelType})
		return
	}
	log := h.logger.WithChannel(channelType)

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if !ch.Verify(c.Request, body) {
		log.Warn("webhook delivery failed verification")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "verification failed"})
		return
	}

	req, err := ch.Translate(body)
	if err != nil {
		log.Warn("webhook delivery rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req == nil {
		// Understood but no work, e.g. a bot comment or an unrelated action.
		c.JSON(http.StatusOK, gin.H{"ok": true, "skipped": true})
		return
	}

	task, err := h.service.SubmitTask(c.Request.Context(), ch, req)
	if err != nil {
		if errors.Is(err, service.ErrEmptyMessage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.WithError(err).Error("failed to submit webhook task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
		return
	}

	go h.run(task, ch)

	c.JSON(http.StatusAccepted, gin.H{"taskId": task.ID})
}

// run drives an accepted task off the request goroutine. The delivery is
// already acknowledged, so failures land on the task row and in the log.
func (h *Handlers) run(task *models.Task, ch channel.Channel) {
	if h.dispatcher == nil {
		return
	}
	if _, err := h.dispatcher.Run(context.Background(), task, ch, nil); err != nil {
		h.logger.WithError(err).Error("webhook task run failed",
			zap.String("task_id", task.ID))
	}
}
