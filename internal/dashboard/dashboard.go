// Package dashboard serves a worker node's local status page as JSON.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/database"
	"github.com/taskmgr818/remote-subagent/internal/model"
)

// Stats holds the node statistics (pure data, no mutex)
type Stats struct {
	// Connection status
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
	LastDisconnect time.Time `json:"lastDisconnect,omitempty"`

	// Task statistics
	TodayTasksCompleted int     `json:"todayTasksCompleted"`
	TasksCompleted      int     `json:"tasksCompleted"`
	TasksFailed         int     `json:"tasksFailed"`
	AvgDurationMs       float64 `json:"avgDurationMs"`
	totalDurationMs     float64

	// Live state
	Status        model.NodeStatus     `json:"status"`
	CurrentTaskID string               `json:"currentTaskId,omitempty"`
	QueueLength   int                  `json:"queueLength"`
	Metrics       *model.SystemMetrics `json:"metrics,omitempty"`

	// Session info
	NodeID    string    `json:"nodeId"`
	StartTime time.Time `json:"startTime"`
	ServerURL string    `json:"serverUrl"`
}

// StatusFunc reports the live queue state.
type StatusFunc func() (status model.NodeStatus, currentTaskID string, queueLength int)

// LogSource lists recently executed tasks.
type LogSource interface {
	RecentTaskLogs(limit int) ([]database.TaskLog, error)
}

// Dashboard manages the node dashboard
type Dashboard struct {
	mu            sync.RWMutex
	stats         Stats
	reconnectFunc func() error
	statusFunc    StatusFunc
	logs          LogSource
	log           *zap.Logger
}

// NewDashboard creates a new dashboard instance
func NewDashboard(nodeID, serverURL string, log *zap.Logger) *Dashboard {
	return &Dashboard{
		stats: Stats{
			NodeID:    nodeID,
			ServerURL: serverURL,
			StartTime: time.Now(),
			Status:    model.NodeOffline,
		},
		log: log.Named("dashboard"),
	}
}

// SetReconnectFunc sets the function to call when reconnect is requested
func (d *Dashboard) SetReconnectFunc(f func() error) {
	d.reconnectFunc = f
}

// SetStatusFunc sets the live queue probe used by GetStats.
func (d *Dashboard) SetStatusFunc(f StatusFunc) {
	d.statusFunc = f
}

// SetLogSource enables /api/tasks.
func (d *Dashboard) SetLogSource(src LogSource) {
	d.logs = src
}

// UpdateConnectionStatus updates the connection status
func (d *Dashboard) UpdateConnectionStatus(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Connected = connected
	if connected {
		d.stats.ConnectedSince = time.Now()
	} else {
		d.stats.LastDisconnect = time.Now()
	}
}

// UpdateMetrics stores the latest host sample.
func (d *Dashboard) UpdateMetrics(m *model.SystemMetrics) {
	d.mu.Lock()
	d.stats.Metrics = m
	d.mu.Unlock()
}

// RecordResult counts a finished task.
func (d *Dashboard) RecordResult(res *model.TaskResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !res.Success {
		d.stats.TasksFailed++
		return
	}
	d.stats.TasksCompleted++
	d.stats.TodayTasksCompleted++
	d.stats.totalDurationMs += float64(res.DurationMs)
	d.stats.AvgDurationMs = d.stats.totalDurationMs / float64(d.stats.TasksCompleted)
}

// LoadHistoricalStats initializes stats with historical data from the database
func (d *Dashboard) LoadHistoricalStats(s *database.AggregateStats) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.TasksCompleted = s.SucceededTasks
	d.stats.TasksFailed = s.FailedTasks
	d.stats.TodayTasksCompleted = s.TodayTasks
	d.stats.AvgDurationMs = s.AvgDurationMs
	d.stats.totalDurationMs = s.AvgDurationMs * float64(s.SucceededTasks)
}

// GetStats returns a copy of the current stats
func (d *Dashboard) GetStats() Stats {
	d.mu.RLock()
	stats := d.stats
	d.mu.RUnlock()

	if d.statusFunc != nil {
		stats.Status, stats.CurrentTaskID, stats.QueueLength = d.statusFunc()
		if !stats.Connected {
			stats.Status = model.NodeOffline
		}
	}
	return stats
}

// Handler returns the dashboard routes.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", d.handleStats)
	mux.HandleFunc("/api/reconnect", d.handleReconnect)
	mux.HandleFunc("/api/tasks", d.handleTasks)
	return mux
}

// ServeHTTP starts the HTTP dashboard server. It shuts down gracefully when ctx is cancelled.
func (d *Dashboard) ServeHTTP(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: d.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	d.log.Info("starting dashboard server", zap.String("addr", addr))
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d.writeJSON(w, d.GetStats())
}

// handleReconnect triggers a reconnection
func (d *Dashboard) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if d.reconnectFunc == nil {
		http.Error(w, "Reconnect function not configured", http.StatusInternalServerError)
		return
	}

	d.log.Info("manual reconnect requested")

	if err := d.reconnectFunc(); err != nil {
		d.log.Warn("reconnect failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("Reconnect failed: %v", err), http.StatusInternalServerError)
		return
	}

	d.writeJSON(w, map[string]string{"status": "ok", "message": "reconnected"})
}

func (d *Dashboard) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if d.logs == nil {
		http.Error(w, "Task log not configured", http.StatusNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := d.logs.RecentTaskLogs(limit)
	if err != nil {
		d.log.Error("query task logs failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []database.TaskLog{}
	}
	d.writeJSON(w, logs)
}

func (d *Dashboard) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		d.log.Error("failed to encode response", zap.Error(err))
	}
}
