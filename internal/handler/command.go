package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/remote-subagent/internal/service"
)

// ─────────────────────────────────────────────
// POST /api/command
// ─────────────────────────────────────────────

// PostCommand dispatches a command.
//
//	targetNodeId "all"  → 202 {taskIds, tasks, broadcastId}
//	?wait=true          → 200 with the terminal TaskResult
//	otherwise           → 202 {taskId, targetNodeId}
func (h *Handler) PostCommand(c *gin.Context) {
	var req service.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.TargetNodeID == service.BroadcastTarget {
		resp, err := h.Commands.Broadcast(&req)
		if err != nil {
			h.commandError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
		return
	}

	if c.Query("wait") == "true" {
		res, err := h.Commands.Wait(c.Request.Context(), &req)
		if err != nil {
			h.commandError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	resp, err := h.Commands.Submit(&req)
	if err != nil {
		h.commandError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) commandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrWaitTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ─────────────────────────────────────────────
// GET /api/tasks, DELETE /api/tasks/:id
// ─────────────────────────────────────────────

// GetTasks returns in-flight tasks with ?active=true, otherwise history,
// optionally filtered by ?nodeId=.
func (h *Handler) GetTasks(c *gin.Context) {
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, h.Router.ActiveTasks())
		return
	}
	c.JSON(http.StatusOK, h.Router.History(c.Query("nodeId")))
}

// CancelTask asks the target worker to abort a pending task.
func (h *Handler) CancelTask(c *gin.Context) {
	id := c.Param("id")
	if !h.Router.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found or already completed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "taskId": id})
}
