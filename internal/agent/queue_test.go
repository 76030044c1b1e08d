package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

// blockingExecutor runs until released or cancelled and tracks concurrency.
type blockingExecutor struct {
	release  chan struct{}
	started  chan string
	active   atomic.Int32
	maxSeen  atomic.Int32
	executed sync.Map
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{release: make(chan struct{}), started: make(chan string, 64)}
}

func (e *blockingExecutor) Execute(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) *model.TaskResult {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxSeen.Load()
		if n <= m || e.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	e.executed.Store(req.TaskID, true)
	e.started <- req.TaskID

	progress <- model.TaskProgress{TaskID: req.TaskID, Type: model.ProgressStatusUpdate, Content: "working"}

	select {
	case <-e.release:
		return model.SuccessResult(req, "ok:"+req.TaskID, time.Millisecond)
	case <-ctx.Done():
		return model.FailedResult(req, model.ErrCodeCancelled, "task cancelled", time.Millisecond)
	}
}

type funcExecutor func(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) *model.TaskResult

func (f funcExecutor) Execute(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) *model.TaskResult {
	return f(ctx, req, progress)
}

// results collects onResult calls.
type results struct {
	mu  sync.Mutex
	got []*model.TaskResult
	ch  chan *model.TaskResult
}

func newResults() *results { return &results{ch: make(chan *model.TaskResult, 64)} }

func (r *results) add(res *model.TaskResult) {
	r.mu.Lock()
	r.got = append(r.got, res)
	r.mu.Unlock()
	r.ch <- res
}

func (r *results) next(t *testing.T) *model.TaskResult {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

func taskReq(id string) *model.TaskRequest {
	return &model.TaskRequest{
		TaskID: id, SourceNodeID: "src", TargetNodeID: "n1",
		Type: model.TaskTypePrompt, Payload: model.NewPromptPayload(model.PromptPayload{Prompt: "hi"}),
		TimeoutMs: 60000,
	}
}

func waitStarted(t *testing.T, e *blockingExecutor, want string) {
	t.Helper()
	select {
	case id := <-e.started:
		require.Equal(t, want, id)
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s never started", want)
	}
}

func TestQueueRunsOneTaskAtATime(t *testing.T) {
	exec := newBlockingExecutor()
	res := newResults()
	q := NewQueue(20, exec, res.add, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, q.Enqueue(taskReq(fmt.Sprintf("t%d", i))))
		}()
	}
	wg.Wait()

	for range 10 {
		<-exec.started
		exec.release <- struct{}{}
		r := res.next(t)
		assert.True(t, r.Success)
	}
	assert.EqualValues(t, 1, exec.maxSeen.Load())
	assert.False(t, q.Busy())
	assert.Zero(t, q.Len())
}

func TestQueueRejectsWhenFull(t *testing.T) {
	exec := newBlockingExecutor()
	q := NewQueue(2, exec, newResults().add, nil, zap.NewNop())

	require.True(t, q.Enqueue(taskReq("run")))
	waitStarted(t, exec, "run")
	require.True(t, q.Enqueue(taskReq("q1")))
	require.True(t, q.Enqueue(taskReq("q2")))
	assert.False(t, q.Enqueue(taskReq("q3")), "backlog at capacity")

	status, current, queued := q.Status()
	assert.Equal(t, model.NodeBusy, status)
	assert.Equal(t, "run", current)
	assert.Equal(t, 2, queued)

	q.Close()
}

func TestQueueDuplicateIgnored(t *testing.T) {
	exec := newBlockingExecutor()
	res := newResults()
	q := NewQueue(5, exec, res.add, nil, zap.NewNop())

	require.True(t, q.Enqueue(taskReq("a")))
	waitStarted(t, exec, "a")
	assert.True(t, q.Enqueue(taskReq("a")))
	assert.Zero(t, q.Len())

	exec.release <- struct{}{}
	res.next(t)
	select {
	case r := <-res.ch:
		t.Fatalf("unexpected second result for %s", r.TaskID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueCancelQueuedTaskNeverExecutes(t *testing.T) {
	exec := newBlockingExecutor()
	res := newResults()
	q := NewQueue(5, exec, res.add, nil, zap.NewNop())

	require.True(t, q.Enqueue(taskReq("run")))
	waitStarted(t, exec, "run")
	require.True(t, q.Enqueue(taskReq("waiting")))

	require.True(t, q.Cancel("waiting"))
	r := res.next(t)
	assert.Equal(t, "waiting", r.TaskID)
	require.NotNil(t, r.Error)
	assert.Equal(t, model.ErrCodeCancelled, r.Error.Code)
	assert.Equal(t, "task cancelled from queue", r.Error.Message)

	exec.release <- struct{}{}
	assert.Equal(t, "run", res.next(t).TaskID)

	_, ran := exec.executed.Load("waiting")
	assert.False(t, ran)
	assert.False(t, q.Cancel("waiting"), "already gone")
}

func TestQueueCancelRunningTask(t *testing.T) {
	exec := newBlockingExecutor()
	res := newResults()
	q := NewQueue(5, exec, res.add, nil, zap.NewNop())

	require.True(t, q.Enqueue(taskReq("run")))
	waitStarted(t, exec, "run")
	require.True(t, q.Enqueue(taskReq("next")))

	require.True(t, q.Cancel("run"))
	r := res.next(t)
	assert.Equal(t, "run", r.TaskID)
	assert.Equal(t, model.ErrCodeCancelled, r.Error.Code)

	waitStarted(t, exec, "next")
	exec.release <- struct{}{}
	assert.True(t, res.next(t).Success)
}

func TestQueueForwardsProgressBeforeResult(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	done := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) *model.TaskResult {
		progress <- model.TaskProgress{TaskID: req.TaskID, Type: model.ProgressPartialResult, Content: "a"}
		progress <- model.TaskProgress{TaskID: req.TaskID, Type: model.ProgressPartialResult, Content: "b"}
		return model.SuccessResult(req, "ab", 0)
	})
	q := NewQueue(1, exec,
		func(r *model.TaskResult) { record("result:" + r.Result); close(done) },
		func(p model.TaskProgress) { record("progress:" + p.Content) },
		zap.NewNop())

	require.True(t, q.Enqueue(taskReq("t")))
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"progress:a", "progress:b", "result:ab"}, events)
}

func TestQueueSurvivesExecutorPanicAndNilResult(t *testing.T) {
	calls := 0
	exec := funcExecutor(func(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) *model.TaskResult {
		calls++
		if req.TaskID == "boom" {
			panic("kaboom")
		}
		return nil
	})
	res := newResults()
	q := NewQueue(5, exec, res.add, nil, zap.NewNop())

	require.True(t, q.Enqueue(taskReq("boom")))
	r := res.next(t)
	assert.Equal(t, model.ErrCodeExecutionError, r.Error.Code)
	assert.Contains(t, r.Error.Message, "kaboom")

	require.True(t, q.Enqueue(taskReq("nil")))
	r = res.next(t)
	assert.Equal(t, model.ErrCodeExecutionError, r.Error.Code)
	assert.Equal(t, "executor returned no result", r.Error.Message)
}

func TestQueueCloseCancelsEverything(t *testing.T) {
	exec := newBlockingExecutor()
	res := newResults()
	q := NewQueue(5, exec, res.add, nil, zap.NewNop())

	require.True(t, q.Enqueue(taskReq("run")))
	waitStarted(t, exec, "run")
	require.True(t, q.Enqueue(taskReq("waiting")))

	q.Close()
	got := map[string]string{}
	for range 2 {
		r := res.next(t)
		got[r.TaskID] = r.Error.Message
	}
	assert.Equal(t, "node shutting down", got["waiting"])
	assert.Equal(t, "task cancelled", got["run"])
	assert.False(t, q.Enqueue(taskReq("late")))
}

func TestQueueFinishedTaskIsNotCurrentWhenReported(t *testing.T) {
	type seen struct {
		current   string
		busy      bool
		status    model.NodeStatus
		cancelled bool
	}
	got := make(chan seen, 1)

	var q *Queue
	exec := funcExecutor(func(ctx context.Context, req *model.TaskRequest, _ chan<- model.TaskProgress) *model.TaskResult {
		return model.SuccessResult(req, "done", 0)
	})
	q = NewQueue(5, exec, func(r *model.TaskResult) {
		status, _, _ := q.Status()
		got <- seen{current: q.CurrentTaskID(), busy: q.Busy(), status: status, cancelled: q.Cancel(r.TaskID)}
	}, nil, zap.NewNop())

	require.True(t, q.Enqueue(taskReq("t1")))
	select {
	case s := <-got:
		assert.Empty(t, s.current)
		assert.False(t, s.busy)
		assert.Equal(t, model.NodeOnline, s.status)
		assert.False(t, s.cancelled, "cancel of a reported task is a no-op")
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
}

func TestQueueNextTaskOwnsSlotWhenPreviousReported(t *testing.T) {
	exec := newBlockingExecutor()
	current := make(chan string, 2)

	var q *Queue
	q = NewQueue(5, exec, func(r *model.TaskResult) {
		current <- q.CurrentTaskID()
	}, nil, zap.NewNop())
	defer q.Close()

	require.True(t, q.Enqueue(taskReq("first")))
	waitStarted(t, exec, "first")
	require.True(t, q.Enqueue(taskReq("second")))

	exec.release <- struct{}{}
	select {
	case id := <-current:
		assert.Equal(t, "second", id)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
	waitStarted(t, exec, "second")
}

func TestQueueWaitBlocksUntilAbortedTaskReports(t *testing.T) {
	reported := make(chan string, 1)
	started := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, req *model.TaskRequest, _ chan<- model.TaskProgress) *model.TaskResult {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return model.FailedResult(req, model.ErrCodeCancelled, "task cancelled", 0)
	})
	q := NewQueue(5, exec, func(r *model.TaskResult) { reported <- r.TaskID }, nil, zap.NewNop())

	require.True(t, q.Enqueue(taskReq("run")))
	<-started
	q.Close()

	require.True(t, q.Wait(5*time.Second))
	select {
	case id := <-reported:
		assert.Equal(t, "run", id)
	default:
		t.Fatal("Wait returned before the result was delivered")
	}
}

func TestQueueWaitTimesOut(t *testing.T) {
	exec := newBlockingExecutor()
	q := NewQueue(5, exec, newResults().add, nil, zap.NewNop())

	require.True(t, q.Enqueue(taskReq("run")))
	waitStarted(t, exec, "run")
	assert.False(t, q.Wait(30*time.Millisecond))

	q.Close()
	assert.True(t, q.Wait(5*time.Second))
	assert.True(t, NewQueue(1, exec, nil, nil, zap.NewNop()).Wait(time.Millisecond), "idle queue")
}
