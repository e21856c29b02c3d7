package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/searle-dev/anywork/internal/task/dto"
)

func (h *Handlers) listSessions(c *gin.Context) {
	sessions, err := h.service.ListSessions(c.Request.Context())
	if err != nil {
		handleNotFound(c, h.logger, err, "sessions not found")
		return
	}
	c.JSON(http.StatusOK, dto.ListSessionsResponse{
		Sessions: dto.FromSessions(sessions),
		Total:    len(sessions),
	})
}

func (h *Handlers) createSession(c *gin.Context) {
	var body dto.CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	session, err := h.service.CreateSession(c.Request.Context(), body.ID, body.ChannelType)
	if err != nil {
		handleNotFound(c, h.logger, err, "session not created")
		return
	}
	c.JSON(http.StatusCreated, dto.FromSession(session))
}

func (h *Handlers) getSession(c *gin.Context) {
	session, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleNotFound(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, dto.FromSession(session))
}

func (h *Handlers) renameSession(c *gin.Context) {
	var body dto.RenameSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.service.RenameSession(c.Request.Context(), c.Param("id"), body.Title); err != nil {
		handleNotFound(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}

func (h *Handlers) deleteSession(c *gin.Context) {
	if err := h.service.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		handleNotFound(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}

// sessionMessages relays the worker's transcript verbatim. The worker owns
// the conversation history format, so the body is passed through untouched.
func (h *Handlers) sessionMessages(c *gin.Context) {
	raw, err := h.service.SessionMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleNotFound(c, h.logger, err, "session not found")
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (h *Handlers) listSessionTasks(c *gin.Context) {
	tasks, err := h.service.ListSessionTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleNotFound(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, dto.ListTasksResponse{
		Tasks: dto.FromTasks(tasks),
		Total: len(tasks),
	})
}
