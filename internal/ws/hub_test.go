package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/registry"
	"github.com/taskmgr818/remote-subagent/internal/router"
	"github.com/taskmgr818/remote-subagent/internal/session"
)

// tokenAuth accepts "good" for any id.
type tokenAuth struct{}

func (tokenAuth) Authenticate(p *model.AuthPayload) error {
	if p.Token != "good" {
		return errors.New("bad token")
	}
	return nil
}

type testEnv struct {
	srv       *httptest.Server
	reg       *registry.Registry
	router    *router.Router
	sessions  *session.Manager
	observers *ObserverHub
	waiter    *ResultWaiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()

	observers := NewObserverHub(log)
	reg := registry.New(0, observers, log)
	observers.SetSnapshot(reg.Nodes)
	sessions := session.NewManager(0, log)
	waiter := NewResultWaiter()
	rt := router.New(reg, observers, log,
		router.WithSessions(sessions), router.WithNotifier(waiter), router.WithDefaultTimeout(time.Minute))
	hub := NewHub(reg, rt, sessions, tokenAuth{}, log)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		observers.Serve(conn)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, reg: reg, router: rt, sessions: sessions, observers: observers, waiter: waiter}
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, path string) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(event model.MsgType, id string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(model.Envelope{Type: event, ID: id, Payload: payload}))
}

// expect reads frames until one of the given type arrives.
func (c *testConn) expect(event model.MsgType) *model.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f model.Frame
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)
		require.NoError(c.t, json.Unmarshal(data, &f))
		if f.Type == event {
			return &f
		}
	}
}

func (c *testConn) expectInto(event model.MsgType, v any) *model.Frame {
	c.t.Helper()
	f := c.expect(event)
	require.NoError(c.t, json.Unmarshal(f.Payload, v))
	return f
}

func (e *testEnv) connectWorker(t *testing.T, nodeID string) *testConn {
	t.Helper()
	c := e.dial(t, "/ws")
	c.send(model.MsgTypeAuthenticate, "", model.AuthPayload{NodeID: nodeID, Token: "good", ConnectionType: model.ConnAgent})
	var ar model.AuthResult
	c.expectInto(model.MsgTypeAuthResult, &ar)
	require.True(t, ar.Success, ar.Message)
	return c
}

func (e *testEnv) connectAux(t *testing.T, owner, sessionID string) *testConn {
	t.Helper()
	c := e.dial(t, "/ws")
	c.send(model.MsgTypeAuthenticate, "", model.AuthPayload{NodeID: sessionID, OwnerID: owner, Token: "good", ConnectionType: model.ConnAux})
	var ar model.AuthResult
	c.expectInto(model.MsgTypeAuthResult, &ar)
	require.True(t, ar.Success, ar.Message)
	return c
}

func promptRequest(taskID, target string) model.TaskRequest {
	return model.TaskRequest{
		TaskID:       taskID,
		TargetNodeID: target,
		Type:         model.TaskTypePrompt,
		Payload:      model.NewPromptPayload(model.PromptPayload{Prompt: "hello"}),
		TimeoutMs:    30000,
	}
}

func TestFramesBeforeAuthenticateRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "/ws")

	c.send(model.MsgTypeTaskRequest, "r1", promptRequest("t1", "n1"))
	var em model.ErrorMessage
	f := c.expectInto(model.MsgTypeError, &em)
	assert.Equal(t, "r1", f.ID)
	assert.Equal(t, model.ErrCodeAuthFailed, em.Code)
	assert.Empty(t, env.router.ActiveTasks())
}

func TestBadCredentialsClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "/ws")

	c.send(model.MsgTypeAuthenticate, "", model.AuthPayload{NodeID: "n1", Token: "bad"})
	var ar model.AuthResult
	c.expectInto(model.MsgTypeAuthResult, &ar)
	assert.False(t, ar.Success)

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.conn.ReadMessage()
	assert.Error(t, err, "connection is closed after a failed authenticate")
	_, known := env.reg.Node("n1")
	assert.False(t, known)
}

func TestTaskRoundTripBetweenAuxAndWorker(t *testing.T) {
	env := newTestEnv(t)
	obs := env.dial(t, "/dashboard")
	obs.send(model.MsgTypeDashboardSubscribe, "", nil)
	obs.expect(model.MsgTypeNodesUpdate)

	worker := env.connectWorker(t, "n1")
	aux := env.connectAux(t, "n1", "n1-mcp-s1")

	aux.send(model.MsgTypeTaskRequest, "", promptRequest("t1", "n1"))

	var assigned model.TaskRequest
	worker.expectInto(model.MsgTypeTaskAssign, &assigned)
	assert.Equal(t, "t1", assigned.TaskID)
	assert.Equal(t, "n1-mcp-s1", assigned.SourceNodeID, "source is the authenticated identity")

	worker.send(model.MsgTypeTaskProgress, "", model.TaskProgress{TaskID: "t1", Type: model.ProgressPartialResult, Content: "hel"})
	var pr model.TaskProgress
	aux.expectInto(model.MsgTypeTaskProgress, &pr)
	assert.Equal(t, "hel", pr.Content)
	assert.Equal(t, "n1", pr.NodeID)

	res := model.SuccessResult(&assigned, "hello back", 5*time.Millisecond)
	res.SessionID = "sess-1"
	worker.send(model.MsgTypeTaskResult, "", res)

	var got model.TaskResult
	aux.expectInto(model.MsgTypeTaskResponse, &got)
	assert.True(t, got.Success)
	assert.Equal(t, "hello back", got.Result)

	var update model.TaskResult
	obs.expectInto(model.MsgTypeTaskUpdate, &update)
	assert.Equal(t, "t1", update.TaskID)

	s, ok := env.sessions.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "n1", s.TargetNodeID)
}

func TestRequestToOfflineNodeFailsFast(t *testing.T) {
	env := newTestEnv(t)
	aux := env.connectAux(t, "n1", "n1-mcp-s1")

	aux.send(model.MsgTypeTaskRequest, "", promptRequest("t1", "ghost"))

	var got model.TaskResult
	aux.expectInto(model.MsgTypeTaskResponse, &got)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrCodeNodeOffline, got.Error.Code)
	assert.Zero(t, got.DurationMs)
}

func TestInvalidRequestRejectedAtBoundary(t *testing.T) {
	env := newTestEnv(t)
	aux := env.connectAux(t, "n1", "n1-mcp-s1")

	bad := promptRequest("t1", "n1")
	bad.Payload = model.NewPromptPayload(model.PromptPayload{})
	aux.send(model.MsgTypeTaskRequest, "q", bad)

	var em model.ErrorMessage
	f := aux.expectInto(model.MsgTypeError, &em)
	assert.Equal(t, "q", f.ID)
	assert.Contains(t, em.Message, "invalid task:request")
}

func TestResultFromAnotherNodeIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	w1 := env.connectWorker(t, "n1")
	w2 := env.connectWorker(t, "n2")
	aux := env.connectAux(t, "n1", "n1-mcp-s1")

	aux.send(model.MsgTypeTaskRequest, "", promptRequest("t1", "n1"))
	var assigned model.TaskRequest
	w1.expectInto(model.MsgTypeTaskAssign, &assigned)

	forged := model.SuccessResult(&assigned, "forged", 0)
	w2.send(model.MsgTypeTaskResult, "", forged)
	w2.send(model.MsgTypeListNodes, "sync", nil)
	w2.expect(model.MsgTypeNodesList)

	assert.True(t, env.router.IsPending("t1"))
	env.router.Cancel("t1")
	w1.expect(model.MsgTypeTaskCancel)
}

func TestCancelOnlyFromSourceOrTarget(t *testing.T) {
	env := newTestEnv(t)
	w1 := env.connectWorker(t, "n1")
	w2 := env.connectWorker(t, "n2")
	aux := env.connectAux(t, "n1", "n1-mcp-s1")
	other := env.connectAux(t, "n2", "n2-mcp-s1")

	aux.send(model.MsgTypeTaskRequest, "", promptRequest("t1", "n1"))
	w1.expect(model.MsgTypeTaskAssign)

	var em model.ErrorMessage
	other.send(model.MsgTypeTaskCancel, "c1", model.CancelRequest{TaskID: "t1"})
	got := other.expectInto(model.MsgTypeError, &em)
	assert.Equal(t, "c1", got.ID)
	assert.Contains(t, em.Message, "was not sent by or to n2-mcp-s1")

	w2.send(model.MsgTypeTaskCancel, "c2", model.CancelRequest{TaskID: "t1"})
	got = w2.expectInto(model.MsgTypeError, &em)
	assert.Equal(t, "c2", got.ID)
	assert.True(t, env.router.IsPending("t1"))

	aux.send(model.MsgTypeTaskCancel, "c3", model.CancelRequest{TaskID: "t1"})
	var cr model.CancelRequest
	w1.expectInto(model.MsgTypeTaskCancel, &cr)
	assert.Equal(t, "t1", cr.TaskID)

	w1.send(model.MsgTypeTaskCancel, "c4", model.CancelRequest{TaskID: "nope"})
	got = w1.expectInto(model.MsgTypeError, &em)
	assert.Equal(t, "c4", got.ID)
	assert.Contains(t, em.Message, "is not pending")
}

func TestListNodesEchoesID(t *testing.T) {
	env := newTestEnv(t)
	env.connectWorker(t, "n1")
	aux := env.connectAux(t, "n1", "n1-mcp-s1")

	aux.send(model.MsgTypeListNodes, "ack-7", nil)
	var nodes []model.NodeInfo
	f := aux.expectInto(model.MsgTypeNodesList, &nodes)
	assert.Equal(t, "ack-7", f.ID)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].NodeID)
	assert.Equal(t, model.NodeOnline, nodes[0].Status)
}

func TestSessionEvents(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.Use("sess-1", "n1")
	env.sessions.Use("sess-2", "n2")
	aux := env.connectAux(t, "n1", "n1-mcp-s1")

	aux.send(model.MsgTypeListSessions, "l1", model.SessionQuery{NodeID: "n1"})
	var list []model.SessionInfo
	aux.expectInto(model.MsgTypeSessionsList, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].SessionID)

	aux.send(model.MsgTypeDeleteSession, "d1", model.DeleteSessionRequest{SessionID: "sess-1"})
	var del model.SessionDeleted
	f := aux.expectInto(model.MsgTypeSessionGone, &del)
	assert.Equal(t, "d1", f.ID)
	assert.True(t, del.Deleted)

	_, ok := env.sessions.Get("sess-1")
	assert.False(t, ok)
}

func TestWorkerHeartbeatAndDisconnect(t *testing.T) {
	env := newTestEnv(t)
	w := env.connectWorker(t, "n1")

	w.send(model.MsgTypeHeartbeat, "", model.Heartbeat{NodeID: "spoofed", Status: model.NodeBusy, CurrentTaskID: "t9", QueueLength: 2})
	w.send(model.MsgTypeListNodes, "sync", nil)
	w.expect(model.MsgTypeNodesList)

	n, ok := env.reg.Node("n1")
	require.True(t, ok)
	assert.Equal(t, model.NodeBusy, n.Status)
	assert.Equal(t, 2, n.QueueLength)
	_, spoofed := env.reg.Node("spoofed")
	assert.False(t, spoofed)

	w.conn.Close()
	require.Eventually(t, func() bool {
		n, _ := env.reg.Node("n1")
		return n.Status == model.NodeOffline
	}, 5*time.Second, 10*time.Millisecond)
}

func TestObserverMustSubscribe(t *testing.T) {
	env := newTestEnv(t)
	obs := env.dial(t, "/dashboard")

	obs.send(model.MsgTypeTaskRequest, "x", promptRequest("t1", "n1"))
	obs.expect(model.MsgTypeError)
	assert.Zero(t, env.observers.Count())

	obs.send(model.MsgTypeDashboardSubscribe, "", nil)
	obs.expect(model.MsgTypeNodesUpdate)
	assert.Equal(t, 1, env.observers.Count())

	env.observers.Broadcast(model.MsgTypeDashboardLog, model.LogEntry{Event: "hello"})
	var entry model.LogEntry
	obs.expectInto(model.MsgTypeDashboardLog, &entry)
	assert.Equal(t, "hello", entry.Event)
}

func TestResultWaiter(t *testing.T) {
	rw := NewResultWaiter()
	a := rw.Register("t1")
	b := rw.Register("t1")
	gone := rw.Register("t2")
	rw.Unregister("t2", gone)
	assert.Equal(t, 1, rw.Pending())

	res := &model.TaskResult{TaskID: "t1", Success: true}
	rw.Notify("t1", res)
	assert.Same(t, res, <-a)
	assert.Same(t, res, <-b)
	assert.Zero(t, rw.Pending())
}
