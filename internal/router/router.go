// Package router owns the task state machine: dispatch, fan-out, results,
// progress, cancellation and timeouts.
package router

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/metrics"
	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/observer"
	"github.com/taskmgr818/remote-subagent/internal/registry"
)

const (
	DefaultHistorySize = 500
	DefaultTimeout     = 5 * time.Minute
)

var (
	// ErrDuplicateTask is returned when a task id is already in flight.
	ErrDuplicateTask = errors.New("task id already pending")
	ErrNotPending    = errors.New("task is not pending")
	ErrNotOwner      = errors.New("task belongs to other nodes")
)

// Resolver is the read-only view of the registry the router needs.
type Resolver interface {
	ResolveTarget(nodeID string) (registry.Conn, *model.TaskError)
	OnlineNodes() []model.NodeInfo
}

// SessionBinder checks and records conversation sessions.
type SessionBinder interface {
	ValidateBinding(sessionID, targetNodeID string) (bool, string)
	Use(sessionID, targetNodeID string)
}

// Notifier is told about every terminal result, e.g. to release HTTP waiters.
type Notifier interface {
	Notify(taskID string, result *model.TaskResult)
}

// Recorder receives task lifecycle events for auditing. Calls must not block.
type Recorder interface {
	TaskDispatched(req *model.TaskRequest)
	TaskFinished(req *model.TaskRequest, res *model.TaskResult)
}

// Assignment pairs a generated task id with its target.
type Assignment struct {
	TaskID       string `json:"taskId"`
	TargetNodeID string `json:"targetNodeId"`
}

type pendingTask struct {
	req       *model.TaskRequest
	requester registry.Conn
	timer     *time.Timer
	startedAt time.Time
}

// Router is the single owner of in-flight task state. Removal of a pending
// entry under the mutex is the only way a task reaches a terminal state, so
// a result racing its timeout is delivered at most once.
type Router struct {
	mu      sync.Mutex
	pending map[string]*pendingTask
	history []model.HistoryEntry
	daily   map[string]int

	reg            Resolver
	obs            observer.Broadcaster
	log            *zap.Logger
	sessions       SessionBinder
	notifier       Notifier
	recorder       Recorder
	historySize    int
	defaultTimeout time.Duration
	now            func() time.Time
}

type Option func(*Router)

func WithSessions(s SessionBinder) Option { return func(r *Router) { r.sessions = s } }
func WithNotifier(n Notifier) Option      { return func(r *Router) { r.notifier = n } }
func WithRecorder(rec Recorder) Option    { return func(r *Router) { r.recorder = rec } }

func WithHistorySize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.historySize = n
		}
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

func New(reg Resolver, obs observer.Broadcaster, log *zap.Logger, opts ...Option) *Router {
	if obs == nil {
		obs = observer.Nop{}
	}
	r := &Router{
		pending:        make(map[string]*pendingTask),
		daily:          make(map[string]int),
		reg:            reg,
		obs:            obs,
		log:            log.Named("router"),
		historySize:    DefaultHistorySize,
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRequest builds a request with a fresh task id. A non-positive timeout
// selects the router default.
func (r *Router) NewRequest(source, target string, payload model.TaskPayload, timeout time.Duration, context string) *model.TaskRequest {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	return &model.TaskRequest{
		TaskID:       uuid.NewString(),
		SourceNodeID: source,
		TargetNodeID: target,
		Type:         payload.Type,
		Payload:      payload,
		Context:      context,
		CreatedAt:    r.now().UTC(),
		TimeoutMs:    timeout.Milliseconds(),
	}
}

// ─────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────

// Dispatch accepts req and forwards it to its target. A nil requester marks
// an anonymous task whose result only reaches observers and notifiers.
// Resolution failures produce a terminal result immediately and never
// create a pending entry. The only error is ErrDuplicateTask.
func (r *Router) Dispatch(requester registry.Conn, req *model.TaskRequest) error {
	r.mu.Lock()
	_, dup := r.pending[req.TaskID]
	r.mu.Unlock()
	if dup {
		return ErrDuplicateTask
	}

	if sid := req.Payload.SessionID(); sid != "" && r.sessions != nil {
		if ok, reason := r.sessions.ValidateBinding(sid, req.TargetNodeID); !ok {
			r.reject(requester, req, model.ErrCodeSessionNotFound, reason)
			return nil
		}
	}

	target, terr := r.reg.ResolveTarget(req.TargetNodeID)
	if terr != nil {
		r.reject(requester, req, terr.Code, terr.Message)
		return nil
	}

	taskID := req.TaskID
	r.mu.Lock()
	if _, dup := r.pending[taskID]; dup {
		r.mu.Unlock()
		return ErrDuplicateTask
	}
	p := &pendingTask{req: req, requester: requester, startedAt: r.now()}
	p.timer = time.AfterFunc(req.Timeout(), func() { r.expire(taskID) })
	r.pending[taskID] = p
	n := len(r.pending)
	r.mu.Unlock()

	metrics.TasksPending.Set(float64(n))
	if r.recorder != nil {
		r.recorder.TaskDispatched(req)
	}

	if err := target.Send(model.MsgTypeTaskAssign, req); err != nil {
		r.log.Warn("assign failed", zap.String("taskId", taskID), zap.Error(err))
		if p, ok := r.take(taskID); ok {
			res := model.FailedResult(req, model.ErrCodeNodeOffline, "send to node "+req.TargetNodeID+" failed: "+err.Error(), 0)
			r.finish(p, res)
		}
		return nil
	}

	metrics.TasksDispatched.Inc()
	r.log.Info("task dispatched",
		zap.String("taskId", taskID),
		zap.String("source", req.SourceNodeID),
		zap.String("target", req.TargetNodeID),
		zap.String("type", string(req.Type)))
	return nil
}

// FanOut dispatches an independent copy of payload to every worker that is
// not offline and returns the generated ids. No workers means no ids.
func (r *Router) FanOut(requester registry.Conn, source string, payload model.TaskPayload, timeout time.Duration, context string) []Assignment {
	nodes := r.reg.OnlineNodes()
	out := make([]Assignment, 0, len(nodes))
	for _, n := range nodes {
		req := r.NewRequest(source, n.NodeID, payload, timeout, context)
		if err := r.Dispatch(requester, req); err != nil {
			r.log.Error("fan-out dispatch failed", zap.String("taskId", req.TaskID), zap.Error(err))
			continue
		}
		out = append(out, Assignment{TaskID: req.TaskID, TargetNodeID: n.NodeID})
	}
	r.log.Info("fan-out", zap.String("source", source), zap.Int("targets", len(out)))
	return out
}

// reject delivers a synthesized failure for a request that never became
// pending.
func (r *Router) reject(requester registry.Conn, req *model.TaskRequest, code model.ErrorCode, message string) {
	res := model.FailedResult(req, code, message, 0)
	r.log.Warn("task rejected", zap.String("taskId", req.TaskID), zap.String("code", string(code)), zap.String("reason", message))

	r.mu.Lock()
	r.appendHistory(req, res)
	r.mu.Unlock()

	r.deliver(requester, req, res)
}

// ─────────────────────────────────────────────
// Results, progress, cancellation
// ─────────────────────────────────────────────

// HandleResult retires the matching pending task. Results for unknown ids,
// or reported by a node other than the task's target, are dropped and
// HandleResult returns false.
func (r *Router) HandleResult(res *model.TaskResult) bool {
	r.mu.Lock()
	p, ok := r.pending[res.TaskID]
	if ok && res.TargetNodeID != "" && res.TargetNodeID != p.req.TargetNodeID {
		r.mu.Unlock()
		r.log.Warn("result from wrong node dropped",
			zap.String("taskId", res.TaskID),
			zap.String("from", res.TargetNodeID),
			zap.String("target", p.req.TargetNodeID))
		return false
	}
	if ok {
		delete(r.pending, res.TaskID)
		p.timer.Stop()
	}
	r.mu.Unlock()

	if !ok {
		metrics.LateResults.Inc()
		r.log.Warn("result for unknown task dropped", zap.String("taskId", res.TaskID))
		return false
	}

	res.SourceNodeID = p.req.SourceNodeID
	res.TargetNodeID = p.req.TargetNodeID
	if res.CompletedAt.IsZero() {
		res.CompletedAt = r.now().UTC()
	}
	if res.Success && res.SessionID != "" && r.sessions != nil {
		r.sessions.Use(res.SessionID, p.req.TargetNodeID)
	}
	r.finish(p, res)
	return true
}

// HandleProgress forwards a chunk to the requester, if still pending, and to
// observers.
func (r *Router) HandleProgress(pr *model.TaskProgress) {
	r.mu.Lock()
	p, ok := r.pending[pr.TaskID]
	r.mu.Unlock()

	if ok && p.requester != nil {
		if err := p.requester.Send(model.MsgTypeTaskProgress, pr); err != nil {
			r.log.Debug("progress to requester dropped", zap.String("taskId", pr.TaskID), zap.Error(err))
		}
	}
	r.obs.Broadcast(model.MsgTypeDashboardProgress, pr)
}

// Cancel asks the target to abort a pending task and reports whether the
// task was pending. The terminal result comes from the target.
func (r *Router) Cancel(taskID string) bool {
	r.mu.Lock()
	p, ok := r.pending[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.signalCancel(p.req)
	r.log.Info("cancel requested", zap.String("taskId", taskID))
	return true
}

// CancelFrom is Cancel on behalf of a connected node, which must be the
// task's source or target.
func (r *Router) CancelFrom(nodeID, taskID string) error {
	r.mu.Lock()
	p, ok := r.pending[taskID]
	r.mu.Unlock()
	if !ok {
		return ErrNotPending
	}
	if nodeID != p.req.SourceNodeID && nodeID != p.req.TargetNodeID {
		r.log.Warn("cancel refused", zap.String("taskId", taskID), zap.String("from", nodeID))
		return ErrNotOwner
	}

	r.signalCancel(p.req)
	r.log.Info("cancel requested", zap.String("taskId", taskID), zap.String("from", nodeID))
	return nil
}

func (r *Router) expire(taskID string) {
	p, ok := r.take(taskID)
	if !ok {
		return
	}

	r.signalCancel(p.req)
	elapsed := r.now().Sub(p.startedAt)
	res := model.FailedResult(p.req, model.ErrCodeTimeout, "task timed out after "+p.req.Timeout().String(), elapsed)
	r.log.Warn("task timed out", zap.String("taskId", taskID), zap.Int64("timeoutMs", p.req.TimeoutMs))
	r.finish(p, res)
}

// take removes a pending entry. Whoever gets ok=true owns the terminal result.
func (r *Router) take(taskID string) (*pendingTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[taskID]
	if ok {
		delete(r.pending, taskID)
		p.timer.Stop()
	}
	return p, ok
}

func (r *Router) signalCancel(req *model.TaskRequest) {
	target, terr := r.reg.ResolveTarget(req.TargetNodeID)
	if terr != nil {
		return
	}
	if err := target.Send(model.MsgTypeTaskCancel, model.CancelRequest{TaskID: req.TaskID}); err != nil {
		r.log.Debug("cancel signal dropped", zap.String("taskId", req.TaskID), zap.Error(err))
	}
}

// finish records and delivers the terminal result of a task already
// removed from the pending map.
func (r *Router) finish(p *pendingTask, res *model.TaskResult) {
	r.mu.Lock()
	r.appendHistory(p.req, res)
	r.daily[res.CompletedAt.UTC().Format(time.DateOnly)]++
	n := len(r.pending)
	r.mu.Unlock()

	metrics.TasksPending.Set(float64(n))
	metrics.TaskDuration.Observe(float64(res.DurationMs) / 1000)

	fields := []zap.Field{zap.String("taskId", res.TaskID), zap.Bool("success", res.Success), zap.Int64("durationMs", res.DurationMs)}
	if res.Error != nil {
		fields = append(fields, zap.String("code", string(res.Error.Code)), zap.String("error", res.Error.Message))
	}
	r.log.Info("task finished", fields...)

	r.deliver(p.requester, p.req, res)
}

func (r *Router) deliver(requester registry.Conn, req *model.TaskRequest, res *model.TaskResult) {
	code := ""
	if res.Error != nil {
		code = string(res.Error.Code)
	}
	metrics.TasksFinished.WithLabelValues(metrics.Outcome(res.Success, code)).Inc()

	if requester != nil {
		if err := requester.Send(model.MsgTypeTaskResponse, res); err != nil {
			r.log.Debug("response to requester dropped", zap.String("taskId", res.TaskID), zap.Error(err))
		}
	}
	r.obs.Broadcast(model.MsgTypeTaskUpdate, res)
	if r.notifier != nil {
		r.notifier.Notify(res.TaskID, res)
	}
	if r.recorder != nil {
		r.recorder.TaskFinished(req, res)
	}
}

// appendHistory must be called with r.mu held.
func (r *Router) appendHistory(req *model.TaskRequest, res *model.TaskResult) {
	if len(r.history) >= r.historySize {
		r.history = r.history[len(r.history)-r.historySize+1:]
	}
	r.history = append(r.history, model.HistoryEntry{Request: req, Result: res})
}

// ─────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────

// ActiveTasks returns in-flight tasks, oldest first.
func (r *Router) ActiveTasks() []model.ActiveTask {
	now := r.now()

	r.mu.Lock()
	out := make([]model.ActiveTask, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, model.ActiveTask{
			Request:   p.req,
			StartedAt: p.startedAt,
			ElapsedMs: now.Sub(p.startedAt).Milliseconds(),
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// DefaultTimeout is applied to requests that carry no timeout.
func (r *Router) DefaultTimeout() time.Duration { return r.defaultTimeout }

// IsPending reports whether taskID is in flight.
func (r *Router) IsPending(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[taskID]
	return ok
}

// History returns finished tasks oldest first, optionally only those where
// nodeID was source or target.
func (r *Router) History(nodeID string) []model.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.HistoryEntry, 0, len(r.history))
	for _, e := range r.history {
		if nodeID == "" || e.Request.SourceNodeID == nodeID || e.Request.TargetNodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// TodayCount returns how many tasks finished today (UTC).
func (r *Router) TodayCount() int {
	today := r.now().UTC().Format(time.DateOnly)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.daily[today]
}
