// Package handler exposes the coordinator over HTTP: the WebSocket upgrade
// endpoints and the gin control API.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/logging"
	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/registry"
	"github.com/taskmgr818/remote-subagent/internal/router"
	"github.com/taskmgr818/remote-subagent/internal/service"
	"github.com/taskmgr818/remote-subagent/internal/session"
	"github.com/taskmgr818/remote-subagent/internal/ws"
)

// Deps are the coordinator components the handlers read from.
type Deps struct {
	Commands  *service.CommandService
	Registry  *registry.Registry
	Router    *router.Router
	Sessions  *session.Manager
	Hub       *ws.Hub
	Observers *ws.ObserverHub
	Logs      *logging.Buffer
	Version   string
}

// Handler holds HTTP/WS endpoint handlers.
type Handler struct {
	Deps
	startedAt time.Time
	upgrader  websocket.Upgrader
	log       *zap.Logger
}

// NewHandler creates the handler set.
func NewHandler(d Deps, log *zap.Logger) *Handler {
	return &Handler{
		Deps:      d,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.Named("handler"),
	}
}

// RegisterRoutes registers all routes on the Gin engine. secret guards the
// observer channel and the control API; metrics toggles /metrics.
func (h *Handler) RegisterRoutes(r *gin.Engine, secret gin.HandlerFunc, metrics bool) {
	// ── Public endpoints (no auth) ──
	r.GET("/api/health", h.Health)
	if metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// ── Workers and aux clients authenticate in-band ──
	r.GET("/ws", h.WebSocket)

	// ── Observers ──
	r.GET("/dashboard", secret, h.Dashboard)

	// ── Control API ──
	api := r.Group("/api", secret)
	{
		api.POST("/command", h.PostCommand)
		api.GET("/tasks", h.GetTasks)
		api.DELETE("/tasks/:id", h.CancelTask)
		api.GET("/sessions", h.GetSessions)
		api.DELETE("/sessions/:id", h.DeleteSession)
		api.GET("/nodes", h.GetNodes)
		api.GET("/logs", h.GetLogs)
		api.GET("/metrics", h.GetMetrics)
	}
}

// ─────────────────────────────────────────────
// GET /ws, GET /dashboard
// ─────────────────────────────────────────────

// WebSocket upgrades a worker or aux connection. Authentication happens in
// the first frame.
func (h *Handler) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	h.Hub.Serve(conn)
}

// Dashboard upgrades an observer connection.
func (h *Handler) Dashboard(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("observer upgrade error", zap.Error(err))
		return
	}
	h.Observers.Serve(conn)
}

// ─────────────────────────────────────────────
// GET /api/health
// ─────────────────────────────────────────────

// Health returns basic server health info.
func (h *Handler) Health(c *gin.Context) {
	stats := h.Registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"online_nodes": stats.OnlineNodes + stats.BusyNodes,
		"version":      h.Version,
	})
}

// ─────────────────────────────────────────────
// Nodes, sessions, logs, metrics
// ─────────────────────────────────────────────

// GetNodes lists every known worker, offline ones included.
func (h *Handler) GetNodes(c *gin.Context) {
	c.JSON(http.StatusOK, h.Registry.Nodes())
}

// GetSessions lists live sessions, optionally filtered by ?nodeId=.
func (h *Handler) GetSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.Sessions.List(c.Query("nodeId")))
}

// DeleteSession forgets one session binding.
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if !h.Sessions.Delete(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": id})
}

// GetLogs queries the log buffer: ?level=&source=&search=&limit=.
func (h *Handler) GetLogs(c *gin.Context) {
	q := logging.Query{
		Level:  model.LogLevel(c.Query("level")),
		Source: c.Query("source"),
		Search: c.Query("search"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	c.JSON(http.StatusOK, h.Logs.Query(q))
}

// MetricsResponse is the body of GET /api/metrics.
type MetricsResponse struct {
	model.RegistryStats
	ActiveTasks    int    `json:"activeTasks"`
	TodayTaskCount int    `json:"todayTaskCount"`
	Observers      int    `json:"observers"`
	ErrorLogs      int    `json:"errorLogs"`
	WarnLogs       int    `json:"warnLogs"`
	UptimeMs       int64  `json:"uptimeMs"`
	Version        string `json:"version"`
}

// GetMetrics returns the coordinator summary shown on the dashboard.
func (h *Handler) GetMetrics(c *gin.Context) {
	errs, warns := h.Logs.Counts()
	c.JSON(http.StatusOK, MetricsResponse{
		RegistryStats:  h.Registry.Stats(),
		ActiveTasks:    len(h.Router.ActiveTasks()),
		TodayTaskCount: h.Router.TodayCount(),
		Observers:      h.Observers.Count(),
		ErrorLogs:      errs,
		WarnLogs:       warns,
		UptimeMs:       time.Since(h.startedAt).Milliseconds(),
		Version:        h.Version,
	})
}
