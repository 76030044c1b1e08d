package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/auth"
)

// AdminHandler manages node credentials.
type AdminHandler struct {
	creds *auth.CredentialStore
	log   *zap.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(creds *auth.CredentialStore, log *zap.Logger) *AdminHandler {
	return &AdminHandler{creds: creds, log: log.Named("admin")}
}

// RegisterRoutes registers credential routes on the given group.
func (h *AdminHandler) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/tokens", h.ListTokens)
	g.POST("/tokens", h.IssueToken)
	g.DELETE("/tokens/:nodeId", h.RevokeToken)
}

// ─────────────────────────────────────────────
// POST /api/tokens
// ─────────────────────────────────────────────

type IssueTokenRequest struct {
	NodeID string `json:"nodeId" binding:"required"`
}

type IssueTokenResponse struct {
	Token  string `json:"token"`
	NodeID string `json:"nodeId"`
}

// IssueToken creates a credential scoped to one node id. The token is only
// ever returned here; issuing again replaces it.
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.creds.Issue(req.NodeID)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidNodeID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	h.log.Info("token issued", zap.String("nodeId", req.NodeID))
	c.JSON(http.StatusOK, IssueTokenResponse{Token: token, NodeID: req.NodeID})
}

// ─────────────────────────────────────────────
// DELETE /api/tokens/:nodeId, GET /api/tokens
// ─────────────────────────────────────────────

// RevokeToken deletes a node's credential. Live connections stay up until
// they reconnect.
func (h *AdminHandler) RevokeToken(c *gin.Context) {
	nodeID := c.Param("nodeId")
	if !h.creds.Revoke(nodeID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no token issued for node"})
		return
	}
	h.log.Info("token revoked", zap.String("nodeId", nodeID))
	c.JSON(http.StatusOK, gin.H{"success": true, "nodeId": nodeID})
}

// ListTokens lists issued credentials without their secrets.
func (h *AdminHandler) ListTokens(c *gin.Context) {
	c.JSON(http.StatusOK, h.creds.List())
}
