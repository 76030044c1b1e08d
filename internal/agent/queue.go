package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

const (
	DefaultQueueSize = 10
	progressBufSize  = 64
)

// Executor runs one task to completion. It must always return a result,
// including when ctx is cancelled, and must not send on progress after
// returning.
type Executor interface {
	Execute(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) *model.TaskResult
}

// Queue executes at most one task at a time and holds a bounded backlog.
// Every accepted task produces exactly one result through onResult.
type Queue struct {
	mu      sync.Mutex
	pending []*model.TaskRequest
	current *running
	closed  bool
	runs    sync.WaitGroup // run goroutines that have not delivered their result

	max        int
	exec       Executor
	onResult   func(*model.TaskResult)
	onProgress func(model.TaskProgress)
	log        *zap.Logger
}

type running struct {
	req       *model.TaskRequest
	cancel    context.CancelFunc
	startedAt time.Time
}

// NewQueue creates a queue. onProgress may be nil.
func NewQueue(max int, exec Executor, onResult func(*model.TaskResult), onProgress func(model.TaskProgress), log *zap.Logger) *Queue {
	if max <= 0 {
		max = DefaultQueueSize
	}
	if onProgress == nil {
		onProgress = func(model.TaskProgress) {}
	}
	return &Queue{
		max:        max,
		exec:       exec,
		onResult:   onResult,
		onProgress: onProgress,
		log:        log.Named("queue"),
	}
}

// Enqueue accepts req unless the backlog is full. A task id that is already
// queued or running is accepted without being added again.
func (q *Queue) Enqueue(req *model.TaskRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) >= q.max {
		return false
	}
	if q.hasLocked(req.TaskID) {
		q.log.Warn("duplicate task ignored", zap.String("taskId", req.TaskID))
		return true
	}
	q.pending = append(q.pending, req)
	if q.current == nil {
		q.startNextLocked()
	}
	return true
}

// Cancel removes a queued task with a CANCELLED result, or signals the
// running task to abort. It returns false for unknown ids.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	for i, req := range q.pending {
		if req.TaskID == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.mu.Unlock()

			q.log.Info("queued task cancelled", zap.String("taskId", taskID))
			q.onResult(model.FailedResult(req, model.ErrCodeCancelled, "task cancelled from queue", 0))
			return true
		}
	}
	cur := q.current
	q.mu.Unlock()

	if cur != nil && cur.req.TaskID == taskID {
		q.log.Info("running task cancel requested", zap.String("taskId", taskID))
		cur.cancel()
		return true
	}
	return false
}

// Close rejects further work, cancels every queued task and aborts the
// running one. Use Wait to block until the aborted task has reported.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	dropped := q.pending
	q.pending = nil
	cur := q.current
	q.mu.Unlock()

	for _, req := range dropped {
		q.onResult(model.FailedResult(req, model.ErrCodeCancelled, "node shutting down", 0))
	}
	if cur != nil {
		cur.cancel()
	}
}

// Wait blocks until the running task, if any, has delivered its result or
// timeout elapses. It reports whether the queue drained. Call it after Close.
func (q *Queue) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		q.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Len is the number of tasks waiting, not counting the running one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// CurrentTaskID is the running task id, or "" when idle.
func (q *Queue) CurrentTaskID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return ""
	}
	return q.current.req.TaskID
}

func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}

// Status returns a consistent heartbeat snapshot.
func (q *Queue) Status() (status model.NodeStatus, currentTaskID string, queueLength int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	status = model.NodeOnline
	if q.current != nil {
		status = model.NodeBusy
		currentTaskID = q.current.req.TaskID
	}
	return status, currentTaskID, len(q.pending)
}

func (q *Queue) hasLocked(taskID string) bool {
	if q.current != nil && q.current.req.TaskID == taskID {
		return true
	}
	for _, req := range q.pending {
		if req.TaskID == taskID {
			return true
		}
	}
	return false
}

// startNextLocked pops the head of the backlog and runs it. q.mu must be held.
func (q *Queue) startNextLocked() {
	if q.closed || len(q.pending) == 0 {
		q.current = nil
		return
	}
	req := q.pending[0]
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(context.Background())
	q.current = &running{req: req, cancel: cancel, startedAt: time.Now()}
	q.runs.Add(1)
	go q.run(ctx, q.current)
}

func (q *Queue) run(ctx context.Context, r *running) {
	defer q.runs.Done()
	defer r.cancel()

	progress := make(chan model.TaskProgress, progressBufSize)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range progress {
			q.onProgress(p)
		}
	}()

	res := q.execute(ctx, r, progress)
	close(progress)
	<-forwarded

	// The finished task leaves current before its result is reported.
	q.mu.Lock()
	q.startNextLocked()
	q.mu.Unlock()

	q.onResult(res)
}

// execute shields the queue from executor panics and nil results.
func (q *Queue) execute(ctx context.Context, r *running, progress chan<- model.TaskProgress) (res *model.TaskResult) {
	defer func() {
		if p := recover(); p != nil {
			q.log.Error("executor panic", zap.String("taskId", r.req.TaskID), zap.Any("panic", p))
			res = model.FailedResult(r.req, model.ErrCodeExecutionError, fmt.Sprintf("executor panic: %v", p), time.Since(r.startedAt))
		}
	}()

	res = q.exec.Execute(ctx, r.req, progress)
	if res == nil {
		res = model.FailedResult(r.req, model.ErrCodeExecutionError, "executor returned no result", time.Since(r.startedAt))
	}
	return res
}
