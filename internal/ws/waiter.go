package ws

import (
	"sync"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

// ─────────────────────────────────────────────
// Result Waiter: async WS → sync HTTP bridge
// ─────────────────────────────────────────────

// ResultWaiter maps task id → channels, allowing HTTP handlers to block
// until the router retires the task. It implements router.Notifier.
type ResultWaiter struct {
	mu      sync.Mutex
	waiters map[string][]chan *model.TaskResult
}

func NewResultWaiter() *ResultWaiter {
	return &ResultWaiter{
		waiters: make(map[string][]chan *model.TaskResult),
	}
}

// Register creates a channel for the given task id and returns it. Register
// before dispatching so a synchronous rejection is not missed.
func (rw *ResultWaiter) Register(taskID string) <-chan *model.TaskResult {
	ch := make(chan *model.TaskResult, 1)
	rw.mu.Lock()
	rw.waiters[taskID] = append(rw.waiters[taskID], ch)
	rw.mu.Unlock()
	return ch
}

// Unregister removes a specific channel, e.g. when the HTTP request gave up.
func (rw *ResultWaiter) Unregister(taskID string, ch <-chan *model.TaskResult) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	chs := rw.waiters[taskID]
	for i, c := range chs {
		if c == ch {
			rw.waiters[taskID] = append(chs[:i], chs[i+1:]...)
			if len(rw.waiters[taskID]) == 0 {
				delete(rw.waiters, taskID)
			}
			break
		}
	}
}

// Notify delivers a result to all waiters for the given task id.
func (rw *ResultWaiter) Notify(taskID string, result *model.TaskResult) {
	rw.mu.Lock()
	chs := rw.waiters[taskID]
	delete(rw.waiters, taskID)
	rw.mu.Unlock()

	for _, ch := range chs {
		select {
		case ch <- result:
		default:
		}
	}
}

// Pending is the number of task ids with at least one waiter.
func (rw *ResultWaiter) Pending() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return len(rw.waiters)
}
