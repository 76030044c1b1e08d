package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/database"
	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/wsclient"
)

type sent struct {
	event   model.MsgType
	payload any
}

type fakeTransport struct {
	mu     sync.Mutex
	ready  bool
	closed bool
	sent   []sent
	ch     chan sent
}

func newFakeTransport(ready bool) *fakeTransport {
	return &fakeTransport{ready: ready, ch: make(chan sent, 256)}
}

func (f *fakeTransport) Connect() error   { return nil }
func (f *fakeTransport) Reconnect() error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.ready = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) setReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

func (f *fakeTransport) Send(event model.MsgType, payload any) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return wsclient.ErrNotConnected
	}
	f.sent = append(f.sent, sent{event, payload})
	f.mu.Unlock()
	f.ch <- sent{event, payload}
	return nil
}

// nextOf waits for the next frame of the given type, skipping others.
func (f *fakeTransport) nextOf(t *testing.T, event model.MsgType) any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-f.ch:
			if s.event == event {
				return s.payload
			}
		case <-deadline:
			t.Fatalf("no %s frame", event)
			return nil
		}
	}
}

func frame(t *testing.T, event model.MsgType, payload any) *model.Frame {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &model.Frame{Type: event, Payload: raw}
}

func newTestAgent(t *testing.T, exec Executor, queueSize int, db *database.DB) (*Agent, *fakeTransport) {
	t.Helper()
	a := newAgent("n1", "ws://coord/ws", time.Hour, queueSize, exec, db, zap.NewNop())
	tr := newFakeTransport(true)
	a.setTransport(tr)
	return a, tr
}

func TestAgentRunsAssignedTask(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	defer db.Close()

	exec := funcExecutor(func(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) *model.TaskResult {
		progress <- model.TaskProgress{TaskID: req.TaskID, Type: model.ProgressPartialResult, Content: "par"}
		return model.SuccessResult(req, "answer", 10*time.Millisecond)
	})
	a, tr := newTestAgent(t, exec, 5, db)

	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, taskReq("t1")))

	p := tr.nextOf(t, model.MsgTypeTaskProgress).(model.TaskProgress)
	assert.Equal(t, "n1", p.NodeID)
	res := tr.nextOf(t, model.MsgTypeTaskResult).(*model.TaskResult)
	assert.True(t, res.Success)
	assert.Equal(t, "answer", res.Result)
	assert.Equal(t, "n1", res.TargetNodeID)

	logs, err := db.RecentTaskLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.TaskTypePrompt, logs[0].Type)
	assert.Equal(t, 1, a.Dashboard().GetStats().TasksCompleted)
}

func TestAgentQueueFull(t *testing.T) {
	exec := newBlockingExecutor()
	a, tr := newTestAgent(t, exec, 1, nil)
	defer a.queue.Close()

	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, taskReq("run")))
	waitStarted(t, exec, "run")
	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, taskReq("q1")))
	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, taskReq("q2")))

	res := tr.nextOf(t, model.MsgTypeTaskResult).(*model.TaskResult)
	assert.Equal(t, "q2", res.TaskID)
	assert.Equal(t, model.ErrCodeQueueFull, res.Error.Code)
}

func TestAgentCancelMessage(t *testing.T) {
	exec := newBlockingExecutor()
	a, tr := newTestAgent(t, exec, 5, nil)

	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, taskReq("run")))
	waitStarted(t, exec, "run")
	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskCancel, model.CancelRequest{TaskID: "run"}))

	res := tr.nextOf(t, model.MsgTypeTaskResult).(*model.TaskResult)
	assert.Equal(t, model.ErrCodeCancelled, res.Error.Code)
}

func TestAgentIgnoresAssignmentForOtherNode(t *testing.T) {
	exec := newBlockingExecutor()
	a, _ := newTestAgent(t, exec, 5, nil)

	req := taskReq("x")
	req.TargetNodeID = "someone-else"
	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, req))

	assert.False(t, a.queue.Busy())
	assert.Zero(t, a.queue.Len())
}

func TestAgentBuffersResultsWhileDisconnected(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) *model.TaskResult {
		return model.SuccessResult(req, "late", 0)
	})
	a, tr := newTestAgent(t, exec, 5, nil)
	tr.setReady(false)

	done := make(chan struct{})
	go func() {
		for {
			if a.outboxLen() == 1 {
				close(done)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, taskReq("t1")))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("result was not buffered")
	}

	tr.setReady(true)
	a.OnConnected()

	res := tr.nextOf(t, model.MsgTypeTaskResult).(*model.TaskResult)
	assert.Equal(t, "t1", res.TaskID)
	assert.Zero(t, a.outboxLen())
}

func TestAgentHeartbeatReportsQueue(t *testing.T) {
	exec := newBlockingExecutor()
	a, tr := newTestAgent(t, exec, 5, nil)
	defer a.queue.Close()

	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, taskReq("run")))
	waitStarted(t, exec, "run")
	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, taskReq("next")))

	a.sendHeartbeat()
	hb := tr.nextOf(t, model.MsgTypeHeartbeat).(model.Heartbeat)
	assert.Equal(t, "n1", hb.NodeID)
	assert.Equal(t, model.NodeBusy, hb.Status)
	assert.Equal(t, "run", hb.CurrentTaskID)
	assert.Equal(t, 1, hb.QueueLength)
	assert.NotNil(t, hb.Metrics)
}

func TestStopSendsCancellationBeforeClosing(t *testing.T) {
	started := make(chan struct{})
	a, tr := newTestAgent(t, funcExecutor(func(ctx context.Context, req *model.TaskRequest, _ chan<- model.TaskProgress) *model.TaskResult {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return model.FailedResult(req, model.ErrCodeCancelled, "task cancelled", 0)
	}), 5, nil)

	require.NoError(t, a.Start(context.Background(), ""))
	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, taskReq("t1")))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop() }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Stop blocked")
	}

	tr.mu.Lock()
	closed := tr.closed
	var results []*model.TaskResult
	for _, s := range tr.sent {
		if s.event == model.MsgTypeTaskResult {
			results = append(results, s.payload.(*model.TaskResult))
		}
	}
	tr.mu.Unlock()

	assert.True(t, closed)
	require.Len(t, results, 1, "result must reach the transport before Close")
	assert.Equal(t, "t1", results[0].TaskID)
	assert.Equal(t, model.ErrCodeCancelled, results[0].Error.Code)
	assert.Zero(t, a.outboxLen())
}

func TestStartStopWithoutCancellingParent(t *testing.T) {
	a, tr := newTestAgent(t, funcExecutor(func(ctx context.Context, req *model.TaskRequest, _ chan<- model.TaskProgress) *model.TaskResult {
		<-ctx.Done()
		return nil
	}), 5, nil)

	require.NoError(t, a.Start(context.Background(), ""))
	a.OnMessage(context.Background(), frame(t, model.MsgTypeTaskAssign, taskReq("t1")))

	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop() }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked")
	}
	res := tr.nextOf(t, model.MsgTypeTaskResult).(*model.TaskResult)
	assert.Equal(t, "t1", res.TaskID)
	assert.False(t, res.Success)
}
