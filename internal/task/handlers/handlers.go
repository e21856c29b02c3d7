// Package handlers exposes the REST surface of the control plane: session
// CRUD, task reads and cancellation, worker workspace proxies, and the
// health and channel discovery endpoints.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/channel"
	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/task/dto"
	"github.com/searle-dev/anywork/internal/task/service"
)

// Handlers serves the REST API backed by the task service.
type Handlers struct {
	service  *service.Service
	registry *channel.Registry
	version  string
	logger   *logger.Logger
}

// New creates REST handlers. version is reported by the health endpoint.
func New(svc *service.Service, registry *channel.Registry, version string, log *logger.Logger) *Handlers {
	return &Handlers{
		service:  svc,
		registry: registry,
		version:  version,
		logger:   log.WithFields(zap.String("component", "rest")),
	}
}

// RegisterRoutes mounts the REST API under /api.
func RegisterRoutes(router *gin.Engine, svc *service.Service, registry *channel.Registry, version string, log *logger.Logger) *Handlers {
	h := New(svc, registry, version, log)
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.GET("/channels", h.listChannels)

	api.GET("/sessions", h.listSessions)
	api.POST("/sessions", h.createSession)
	api.GET("/sessions/:id", h.getSession)
	api.PATCH("/sessions/:id", h.renameSession)
	api.DELETE("/sessions/:id", h.deleteSession)
	api.GET("/sessions/:id/messages", h.sessionMessages)
	api.GET("/sessions/:id/tasks", h.listSessionTasks)

	api.GET("/tasks/:id", h.getTask)
	api.GET("/tasks/:id/logs", h.listTaskLogs)
	api.POST("/tasks/:id/cancel", h.cancelTask)

	api.GET("/workspace/:file", h.getWorkspaceFile)
	api.PUT("/workspace/:file", h.putWorkspaceFile)
	return h
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok", Version: h.version})
}

func (h *Handlers) listChannels(c *gin.Context) {
	types := []string{}
	if h.registry != nil {
		types = h.registry.Types()
	}
	c.JSON(http.StatusOK, dto.ListChannelsResponse{Channels: types})
}
