// Package auxclient lets automation tools drive the coordinator over the
// same WebSocket protocol workers use. Every call looks synchronous: it
// sends a request and waits for the matching reply.
package auxclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/wsclient"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTaskTimeout       = 5 * time.Minute

	// waitGrace is added to a task's own timeout before the caller gives up
	// on the coordinator's terminal result.
	waitGrace = 5 * time.Second

	// ackTimeout bounds list and delete requests.
	ackTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected to coordinator")
	ErrShuttingDown = errors.New("aux client shutting down")
	ErrWaitTimeout  = errors.New("timed out waiting for coordinator")
)

// Transport is the coordinator connection as seen by the client.
type Transport interface {
	Connect() error
	Close() error
	Ready() bool
	Send(event model.MsgType, payload any) error
	SendWithID(event model.MsgType, id string, payload any) error
}

// Config identifies the aux client. The credential presented is the
// owner's; the coordinator knows the client as "<owner>-mcp-<session>".
type Config struct {
	ServerURL         string
	OwnerID           string
	Token             string
	HeartbeatInterval time.Duration
}

// TaskOptions tune one SendTask call.
type TaskOptions struct {
	Timeout    time.Duration
	Context    string
	OnProgress func(*model.TaskProgress)
}

// BroadcastResult is one node's outcome of a Broadcast. Err is set when no
// terminal result arrived.
type BroadcastResult struct {
	NodeID string
	Name   string
	Result *model.TaskResult
	Err    error
}

type outcome struct {
	res *model.TaskResult
	err error
}

type taskWaiter struct {
	ch         chan outcome
	onProgress func(*model.TaskProgress)
}

type reply struct {
	frame *model.Frame
	err   error
}

// Client is safe for concurrent use.
type Client struct {
	nodeID            string
	ownerID           string
	heartbeatInterval time.Duration
	transport         Transport
	log               *zap.Logger

	mu    sync.Mutex
	tasks map[string]*taskWaiter // by task id
	acks  map[string]chan reply  // by ack id

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a client. ctx bounds reconnection; call Start to connect.
func New(ctx context.Context, cfg Config, log *zap.Logger) *Client {
	c := newClient(cfg, log)
	c.transport = wsclient.New(ctx, cfg.ServerURL, model.AuthPayload{
		NodeID:         c.nodeID,
		Name:           "aux-" + cfg.OwnerID,
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		ConnectionType: model.ConnAux,
		OwnerID:        cfg.OwnerID,
		Token:          cfg.Token,
	}, c, c.log)
	return c
}

func newClient(cfg Config, log *zap.Logger) *Client {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	nodeID := fmt.Sprintf("%s-mcp-%s", cfg.OwnerID, uuid.NewString())
	return &Client{
		nodeID:            nodeID,
		ownerID:           cfg.OwnerID,
		heartbeatInterval: interval,
		log:               log.Named("aux").With(zap.String("nodeId", nodeID)),
		tasks:             make(map[string]*taskWaiter),
		acks:              make(map[string]chan reply),
		done:              make(chan struct{}),
	}
}

// NodeID is the id this client registers under.
func (c *Client) NodeID() string { return c.nodeID }

// Start dials the coordinator and starts the heartbeat loop. A failed first
// dial is retried in the background.
func (c *Client) Start(ctx context.Context) error {
	if err := c.transport.Connect(); err != nil {
		c.log.Warn("initial connect failed", zap.Error(err))
	}
	c.wg.Add(1)
	go c.heartbeatLoop(ctx)
	return nil
}

// WaitReady blocks until the connection is authenticated.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !c.transport.Ready() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
		case <-c.done:
			return ErrShuttingDown
		case <-ticker.C:
		}
	}
	return nil
}

// Close fails every outstanding call with ErrShuttingDown and closes the
// connection.
func (c *Client) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return c.transport.Close()
}

// ─────────────────────────────────────────────
// Tasks
// ─────────────────────────────────────────────

// SendTask dispatches payload to target and waits for the terminal result.
// Task failures (offline node, timeout, execution error) come back as a
// result with Success false; errors mean no result was received.
func (c *Client) SendTask(ctx context.Context, target string, payload model.TaskPayload, opts TaskOptions) (*model.TaskResult, error) {
	if !c.transport.Ready() {
		return nil, ErrNotConnected
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	req := model.TaskRequest{
		TaskID:       uuid.NewString(),
		SourceNodeID: c.nodeID,
		TargetNodeID: target,
		Type:         payload.Type,
		Payload:      payload,
		Context:      opts.Context,
		CreatedAt:    time.Now().UTC(),
		TimeoutMs:    timeout.Milliseconds(),
	}

	w := &taskWaiter{ch: make(chan outcome, 1), onProgress: opts.OnProgress}
	c.mu.Lock()
	c.tasks[req.TaskID] = w
	c.mu.Unlock()
	defer c.dropTask(req.TaskID)

	// The task id doubles as ack id so a rejected request fails this call.
	if err := c.transport.SendWithID(model.MsgTypeTaskRequest, req.TaskID, req); err != nil {
		return nil, fmt.Errorf("send task:request: %w", err)
	}
	c.log.Debug("task sent", zap.String("taskId", req.TaskID), zap.String("target", target))

	timer := time.NewTimer(timeout + waitGrace)
	defer timer.Stop()

	select {
	case o := <-w.ch:
		return o.res, o.err
	case <-timer.C:
		return nil, fmt.Errorf("task %s: %w after %s", req.TaskID, ErrWaitTimeout, timeout+waitGrace)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrShuttingDown
	}
}

// SendPrompt is SendTask with a prompt payload.
func (c *Client) SendPrompt(ctx context.Context, target string, p model.PromptPayload, opts TaskOptions) (*model.TaskResult, error) {
	return c.SendTask(ctx, target, model.NewPromptPayload(p), opts)
}

// Cancel asks the coordinator to cancel a pending task.
func (c *Client) Cancel(taskID string) error {
	if !c.transport.Ready() {
		return ErrNotConnected
	}
	return c.transport.Send(model.MsgTypeTaskCancel, model.CancelRequest{TaskID: taskID})
}

// Broadcast sends payload to every worker that is not offline, in parallel,
// and collects one entry per node in listing order.
func (c *Client) Broadcast(ctx context.Context, payload model.TaskPayload, opts TaskOptions) ([]BroadcastResult, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	targets := make([]model.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != model.NodeOffline {
			targets = append(targets, n)
		}
	}

	out := make([]BroadcastResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range targets {
		g.Go(func() error {
			res, err := c.SendTask(gctx, n.NodeID, payload, opts)
			out[i] = BroadcastResult{NodeID: n.NodeID, Name: n.Name, Result: res, Err: err}
			if errors.Is(err, ErrShuttingDown) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) dropTask(taskID string) {
	c.mu.Lock()
	delete(c.tasks, taskID)
	c.mu.Unlock()
}

// ─────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────

// ListNodes returns every known worker, offline ones included.
func (c *Client) ListNodes(ctx context.Context) ([]model.NodeInfo, error) {
	var nodes []model.NodeInfo
	if err := c.call(ctx, model.MsgTypeListNodes, nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListSessions returns the live conversation sessions, optionally only
// those bound to nodeID.
func (c *Client) ListSessions(ctx context.Context, nodeID string) ([]model.SessionInfo, error) {
	var sessions []model.SessionInfo
	if err := c.call(ctx, model.MsgTypeListSessions, model.SessionQuery{NodeID: nodeID}, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession forgets a session binding and reports whether it existed.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	var res model.SessionDeleted
	if err := c.call(ctx, model.MsgTypeDeleteSession, model.DeleteSessionRequest{SessionID: sessionID}, &res); err != nil {
		return false, err
	}
	return res.Deleted, nil
}

// call sends an acked request and decodes the reply payload into out.
func (c *Client) call(ctx context.Context, event model.MsgType, payload, out any) error {
	if !c.transport.Ready() {
		return ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan reply, 1)
	c.mu.Lock()
	c.acks[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}()

	if err := c.transport.SendWithID(event, id, payload); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if err := json.Unmarshal(r.frame.Payload, out); err != nil {
			return fmt.Errorf("decode %s: %w", r.frame.Type, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", event, ErrWaitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrShuttingDown
	}
}

// ─────────────────────────────────────────────
// wsclient.Handler
// ─────────────────────────────────────────────

func (c *Client) OnConnected() {
	c.log.Info("connected to coordinator")
	c.sendHeartbeat()
}

// OnDisconnected fails every in-flight task: the coordinator delivers
// results to the connection that asked, so they can no longer arrive.
func (c *Client) OnDisconnected() {
	c.mu.Lock()
	tasks := c.tasks
	c.tasks = make(map[string]*taskWaiter)
	c.mu.Unlock()

	for id, w := range tasks {
		w.ch <- outcome{err: fmt.Errorf("task %s: %w: connection lost", id, ErrNotConnected)}
	}
	c.log.Warn("disconnected from coordinator", zap.Int("failedTasks", len(tasks)))
}

func (c *Client) OnMessage(_ context.Context, f *model.Frame) {
	switch f.Type {
	case model.MsgTypeTaskResponse:
		var res model.TaskResult
		if err := json.Unmarshal(f.Payload, &res); err != nil {
			c.log.Warn("invalid task:response", zap.Error(err))
			return
		}
		c.mu.Lock()
		w, ok := c.tasks[res.TaskID]
		delete(c.tasks, res.TaskID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug("response for unknown task", zap.String("taskId", res.TaskID))
			return
		}
		w.ch <- outcome{res: &res}

	case model.MsgTypeTaskProgress:
		var pr model.TaskProgress
		if err := json.Unmarshal(f.Payload, &pr); err != nil {
			return
		}
		c.mu.Lock()
		w, ok := c.tasks[pr.TaskID]
		c.mu.Unlock()
		if ok && w.onProgress != nil {
			w.onProgress(&pr)
		}

	case model.MsgTypeNodesList, model.MsgTypeSessionsList, model.MsgTypeSessionGone:
		c.resolveAck(f.ID, reply{frame: f})

	case model.MsgTypeError:
		var em model.ErrorMessage
		_ = json.Unmarshal(f.Payload, &em)
		err := fmt.Errorf("coordinator: %s", em.Message)
		if c.failTask(f.ID, err) || c.resolveAck(f.ID, reply{err: err}) {
			return
		}
		c.log.Warn("coordinator error", zap.String("code", string(em.Code)), zap.String("message", em.Message))

	default:
		c.log.Debug("ignoring message", zap.String("type", string(f.Type)))
	}
}

func (c *Client) resolveAck(id string, r reply) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.acks[id]
	delete(c.acks, id)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (c *Client) failTask(taskID string, err error) bool {
	if taskID == "" {
		return false
	}
	c.mu.Lock()
	w, ok := c.tasks[taskID]
	delete(c.tasks, taskID)
	c.mu.Unlock()
	if ok {
		w.ch <- outcome{err: err}
	}
	return ok
}

// ─────────────────────────────────────────────
// Heartbeat
// ─────────────────────────────────────────────

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *Client) sendHeartbeat() {
	if !c.transport.Ready() {
		return
	}
	hb := model.Heartbeat{NodeID: c.nodeID, Status: model.NodeOnline, Timestamp: time.Now().UTC()}
	if err := c.transport.Send(model.MsgTypeHeartbeat, hb); err != nil {
		c.log.Debug("heartbeat not sent", zap.Error(err))
	}
}
