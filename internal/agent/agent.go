// Package agent is the worker node runtime: it receives task assignments
// over the coordinator connection, runs them one at a time and reports
// progress, results and heartbeats back.
package agent

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/config"
	"github.com/taskmgr818/remote-subagent/internal/dashboard"
	"github.com/taskmgr818/remote-subagent/internal/database"
	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/sysmetrics"
	"github.com/taskmgr818/remote-subagent/internal/wsclient"
)

const (
	// maxOutbox bounds results kept while disconnected.
	maxOutbox = 100
	// stopWait bounds how long Stop waits for the aborted task to report.
	stopWait = killGrace + time.Second
)

// Version is reported in the authenticate frame.
var Version = "dev"

// Transport is the coordinator connection as seen by the agent.
type Transport interface {
	Connect() error
	Reconnect() error
	Close() error
	Ready() bool
	Send(event model.MsgType, payload any) error
}

// Agent represents a worker node
type Agent struct {
	nodeID            string
	heartbeatInterval time.Duration
	transport         Transport
	queue             *Queue
	db                *database.DB
	dashboard         *dashboard.Dashboard
	sampler           *sysmetrics.Sampler
	log               *zap.Logger
	wg                sync.WaitGroup
	cancelLoops       context.CancelFunc

	mu     sync.Mutex
	types  map[string]model.TaskType // running or queued task types, for the task log
	outbox []*model.TaskResult       // results that could not be sent yet
}

// New builds an agent from its configuration. db may be nil.
func New(ctx context.Context, cfg *config.Node, db *database.DB, log *zap.Logger) *Agent {
	log = log.Named("agent").With(zap.String("nodeId", cfg.Node.ID))

	exec := NewProcessExecutor(cfg.Node.ID, ExecConfig{
		Program:            cfg.Executor.Program,
		Args:               cfg.Executor.Args,
		Model:              cfg.Executor.Model,
		SessionPersistence: cfg.SessionsEnabled(),
		ShellEnabled:       cfg.Executor.ShellEnabled,
		WorkDir:            cfg.Executor.WorkDir,
		MaxResultChars:     cfg.Executor.MaxResultChars,
	}, log)
	a := newAgent(cfg.Node.ID, cfg.Server.URL, cfg.Heartbeat.Interval, cfg.Queue.Size, exec, db, log)

	client := wsclient.New(ctx, cfg.Server.URL, model.AuthPayload{
		NodeID:         cfg.Node.ID,
		Name:           cfg.Node.Name,
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		Version:        Version,
		Capabilities:   cfg.Node.Capabilities,
		ConnectionType: model.ConnAgent,
		Token:          cfg.Node.Token,
	}, a, log)
	a.setTransport(client)
	return a
}

func newAgent(nodeID, serverURL string, heartbeat time.Duration, queueSize int, exec Executor, db *database.DB, log *zap.Logger) *Agent {
	a := &Agent{
		nodeID:            nodeID,
		heartbeatInterval: heartbeat,
		db:                db,
		dashboard:         dashboard.NewDashboard(nodeID, serverURL, log),
		sampler:           sysmetrics.NewSampler(),
		log:               log,
		types:             make(map[string]model.TaskType),
	}
	a.queue = NewQueue(queueSize, exec, a.onResult, a.onProgress, log)
	a.dashboard.SetStatusFunc(a.queue.Status)

	if db != nil {
		a.dashboard.SetLogSource(db)
		if stats, err := db.GetAggregateStats(); err != nil {
			log.Warn("failed to load historical stats", zap.Error(err))
		} else {
			a.dashboard.LoadHistoricalStats(stats)
			log.Info("loaded historical stats",
				zap.Int("tasks", stats.TotalTasks), zap.Int("today", stats.TodayTasks))
		}
	}
	return a
}

func (a *Agent) setTransport(t Transport) {
	a.transport = t
	a.dashboard.SetReconnectFunc(t.Reconnect)
}

// Start connects to the coordinator and starts the background loops.
func (a *Agent) Start(ctx context.Context, dashboardAddr string) error {
	ctx, a.cancelLoops = context.WithCancel(ctx)

	if dashboardAddr != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.dashboard.ServeHTTP(ctx, dashboardAddr); err != nil {
				a.log.Error("dashboard server error", zap.Error(err))
			}
		}()
	}

	if err := a.transport.Connect(); err != nil {
		// The client keeps redialing in the background.
		a.log.Warn("initial connect failed", zap.Error(err))
	}

	a.wg.Add(1)
	go a.heartbeatLoop(ctx)
	return nil
}

// Stop cancels queued and running work, sends the resulting cancellations
// and closes the connection. Cancel the context passed to New only after Stop
// returns.
func (a *Agent) Stop() error {
	a.queue.Close()
	if !a.queue.Wait(stopWait) {
		a.log.Warn("running task did not report before shutdown", zap.String("taskId", a.queue.CurrentTaskID()))
	}
	if a.cancelLoops != nil {
		a.cancelLoops()
	}
	a.wg.Wait()
	return a.transport.Close()
}

// Dashboard exposes the local status page.
func (a *Agent) Dashboard() *dashboard.Dashboard { return a.dashboard }

// ─────────────────────────────────────────────
// wsclient.Handler
// ─────────────────────────────────────────────

func (a *Agent) OnConnected() {
	a.log.Info("connected to coordinator")
	a.dashboard.UpdateConnectionStatus(true)
	a.sendHeartbeat()
	a.flushOutbox()
}

func (a *Agent) OnDisconnected() {
	a.log.Warn("disconnected from coordinator")
	a.dashboard.UpdateConnectionStatus(false)
}

func (a *Agent) OnMessage(ctx context.Context, f *model.Frame) {
	switch f.Type {
	case model.MsgTypeTaskAssign:
		var req model.TaskRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			a.log.Warn("invalid task assignment", zap.Error(err))
			return
		}
		a.handleAssign(&req)

	case model.MsgTypeTaskCancel:
		var cr model.CancelRequest
		if err := json.Unmarshal(f.Payload, &cr); err != nil || cr.TaskID == "" {
			a.log.Warn("invalid cancel request", zap.Error(err))
			return
		}
		if !a.queue.Cancel(cr.TaskID) {
			a.log.Debug("cancel for unknown task", zap.String("taskId", cr.TaskID))
		}

	case model.MsgTypeError:
		var em model.ErrorMessage
		_ = json.Unmarshal(f.Payload, &em)
		a.log.Warn("coordinator error", zap.String("code", string(em.Code)), zap.String("message", em.Message))

	default:
		a.log.Debug("ignoring message", zap.String("type", string(f.Type)))
	}
}

func (a *Agent) handleAssign(req *model.TaskRequest) {
	log := a.log.With(zap.String("taskId", req.TaskID))

	if req.TargetNodeID != "" && req.TargetNodeID != a.nodeID {
		log.Warn("assignment for another node", zap.String("target", req.TargetNodeID))
		return
	}
	req.TargetNodeID = a.nodeID

	if err := req.Validate(); err != nil {
		log.Warn("invalid task assignment", zap.Error(err))
		a.sendResult(model.FailedResult(req, model.ErrCodeExecutionError, err.Error(), 0))
		return
	}

	a.mu.Lock()
	a.types[req.TaskID] = req.Type
	a.mu.Unlock()

	if !a.queue.Enqueue(req) {
		log.Warn("task queue full")
		a.forgetType(req.TaskID)
		a.sendResult(model.FailedResult(req, model.ErrCodeQueueFull, "node task queue is full", 0))
		return
	}
	log.Info("task accepted", zap.String("type", string(req.Type)), zap.Int("queued", a.queue.Len()))
}

// ─────────────────────────────────────────────
// Queue callbacks
// ─────────────────────────────────────────────

func (a *Agent) onResult(res *model.TaskResult) {
	res.TargetNodeID = a.nodeID
	typ := a.forgetType(res.TaskID)

	fields := []zap.Field{zap.String("taskId", res.TaskID), zap.Bool("success", res.Success), zap.Int64("durationMs", res.DurationMs)}
	if res.Error != nil {
		fields = append(fields, zap.String("code", string(res.Error.Code)))
	}
	a.log.Info("task finished", fields...)

	a.dashboard.RecordResult(res)
	if a.db != nil {
		l := database.NewTaskLog(nil, res)
		l.Type = typ
		if err := a.db.InsertTaskLog(l); err != nil {
			a.log.Warn("failed to record task log", zap.Error(err))
		}
	}
	a.sendResult(res)
}

func (a *Agent) onProgress(p model.TaskProgress) {
	p.NodeID = a.nodeID
	if err := a.transport.Send(model.MsgTypeTaskProgress, p); err != nil {
		a.log.Debug("progress dropped", zap.String("taskId", p.TaskID), zap.Error(err))
	}
}

func (a *Agent) forgetType(taskID string) model.TaskType {
	a.mu.Lock()
	defer a.mu.Unlock()
	typ := a.types[taskID]
	delete(a.types, taskID)
	return typ
}

// ─────────────────────────────────────────────
// Result delivery
// ─────────────────────────────────────────────

func (a *Agent) sendResult(res *model.TaskResult) {
	if a.transport.Ready() {
		err := a.transport.Send(model.MsgTypeTaskResult, res)
		if err == nil {
			return
		}
		a.log.Warn("failed to send task result", zap.String("taskId", res.TaskID), zap.Error(err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.outbox) >= maxOutbox {
		a.log.Warn("outbox full, dropping oldest result", zap.String("taskId", a.outbox[0].TaskID))
		a.outbox = a.outbox[1:]
	}
	a.outbox = append(a.outbox, res)
}

func (a *Agent) outboxLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outbox)
}

func (a *Agent) flushOutbox() {
	a.mu.Lock()
	pending := a.outbox
	a.outbox = nil
	a.mu.Unlock()

	for _, res := range pending {
		a.sendResult(res)
	}
	if len(pending) > 0 {
		a.log.Info("flushed buffered results", zap.Int("count", len(pending)))
	}
}

// ─────────────────────────────────────────────
// Background Jobs
// ─────────────────────────────────────────────

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	metrics := a.sampler.Sample()
	a.dashboard.UpdateMetrics(metrics)

	if !a.transport.Ready() {
		return
	}
	status, current, queued := a.queue.Status()
	hb := model.Heartbeat{
		NodeID:        a.nodeID,
		Status:        status,
		CurrentTaskID: current,
		QueueLength:   queued,
		Metrics:       metrics,
		Timestamp:     time.Now().UTC(),
	}
	if err := a.transport.Send(model.MsgTypeHeartbeat, hb); err != nil {
		a.log.Debug("heartbeat dropped", zap.Error(err))
	}
}
