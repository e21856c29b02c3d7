package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/searle-dev/anywork/internal/task/dto"
)

func (h *Handlers) getWorkspaceFile(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	file, err := h.service.GetWorkspaceFile(c.Request.Context(), sessionID, c.Param("file"))
	if err != nil {
		handleNotFound(c, h.logger, err, "workspace file not found")
		return
	}
	c.JSON(http.StatusOK, dto.WorkspaceFileResponse{File: file.File, Content: file.Content})
}

func (h *Handlers) putWorkspaceFile(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	var body dto.PutWorkspaceFileRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.service.PutWorkspaceFile(c.Request.Context(), sessionID, c.Param("file"), body.Content); err != nil {
		handleNotFound(c, h.logger, err, "workspace file not found")
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}
