package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/searle-dev/anywork/internal/task/dto"
	"github.com/searle-dev/anywork/internal/task/service"
)

func (h *Handlers) getTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleNotFound(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, dto.FromTask(task))
}

func (h *Handlers) listTaskLogs(c *gin.Context) {
	var after int64
	if a := c.Query("after"); a != "" {
		if parsed, err := strconv.ParseInt(a, 10, 64); err == nil && parsed > 0 {
			after = parsed
		}
	}
	var limit int
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	logs, hasMore, err := h.service.ListTaskLogs(c.Request.Context(), c.Param("id"), after, limit)
	if err != nil {
		handleNotFound(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, dto.ListTaskLogsResponse{
		Logs:    dto.FromTaskLogs(logs),
		HasMore: hasMore,
	})
}

func (h *Handlers) cancelTask(c *gin.Context) {
	_, err := h.service.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotCancelable) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		handleNotFound(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}
