// Package service holds the control-surface flows that sit between HTTP
// handlers and the router.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/router"
	"github.com/taskmgr818/remote-subagent/internal/ws"
)

// ConsoleSource is the source node id of tasks submitted over HTTP.
const ConsoleSource = "dashboard"

// BroadcastTarget as targetNodeId fans a command out to every worker.
const BroadcastTarget = "all"

// waitGrace is added to a task's timeout when blocking for its result.
const waitGrace = 5 * time.Second

// Service errors
var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrWaitTimeout    = errors.New("timeout waiting for task result")
)

// CommandRequest is the body of POST /api/command.
type CommandRequest struct {
	TargetNodeID string            `json:"targetNodeId" binding:"required"`
	Type         model.TaskType    `json:"type" binding:"required"`
	Payload      model.TaskPayload `json:"payload"`
	TimeoutMs    int64             `json:"timeoutMs" binding:"omitempty,gt=0"`
	Context      string            `json:"context"`
}

// Accepted answers a single-target command.
type Accepted struct {
	TaskID       string `json:"taskId"`
	TargetNodeID string `json:"targetNodeId"`
}

// BroadcastAccepted answers a command sent to every worker.
type BroadcastAccepted struct {
	TaskIDs     []string            `json:"taskIds"`
	Tasks       []router.Assignment `json:"tasks"`
	BroadcastID string              `json:"broadcastId"`
}

// CommandService submits console commands to the router:
//
//	validate → build request → dispatch → (optionally) wait
type CommandService struct {
	router      *router.Router
	waiter      *ws.ResultWaiter
	waitTimeout time.Duration
	log         *zap.Logger
}

// NewCommandService creates the service. waitTimeout caps how long Wait
// blocks regardless of the task's own timeout.
func NewCommandService(rt *router.Router, waiter *ws.ResultWaiter, waitTimeout time.Duration, log *zap.Logger) *CommandService {
	return &CommandService{
		router:      rt,
		waiter:      waiter,
		waitTimeout: waitTimeout,
		log:         log.Named("service"),
	}
}

func (s *CommandService) validate(req *CommandRequest) error {
	if req.Payload.Type != req.Type {
		return fmt.Errorf("%w: payload type %q does not match type %q", ErrInvalidCommand, req.Payload.Type, req.Type)
	}
	if err := model.Validate(&req.Payload); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return nil
}

func (s *CommandService) timeout(req *CommandRequest) time.Duration {
	return time.Duration(req.TimeoutMs) * time.Millisecond
}

// Submit dispatches a command to one worker without waiting. Offline targets
// still get a task id; its NODE_OFFLINE result goes to history and observers.
func (s *CommandService) Submit(req *CommandRequest) (*Accepted, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	tr := s.router.NewRequest(ConsoleSource, req.TargetNodeID, req.Payload, s.timeout(req), req.Context)
	if err := s.router.Dispatch(nil, tr); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return &Accepted{TaskID: tr.TaskID, TargetNodeID: tr.TargetNodeID}, nil
}

// Broadcast dispatches an independent copy of the command to every worker
// that is not offline.
func (s *CommandService) Broadcast(req *CommandRequest) (*BroadcastAccepted, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	tasks := s.router.FanOut(nil, ConsoleSource, req.Payload, s.timeout(req), req.Context)
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.TaskID
	}
	broadcastID := uuid.NewString()
	s.log.Info("broadcast submitted", zap.String("broadcastId", broadcastID), zap.Int("tasks", len(tasks)))
	return &BroadcastAccepted{TaskIDs: ids, Tasks: tasks, BroadcastID: broadcastID}, nil
}

// Wait dispatches a command to one worker and blocks (async → sync) until
// its terminal result arrives. On ErrWaitTimeout the task keeps running.
func (s *CommandService) Wait(ctx context.Context, req *CommandRequest) (*model.TaskResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	tr := s.router.NewRequest(ConsoleSource, req.TargetNodeID, req.Payload, s.timeout(req), req.Context)

	// Register before dispatch: a synchronous rejection notifies immediately.
	resultCh := s.waiter.Register(tr.TaskID)
	defer s.waiter.Unregister(tr.TaskID, resultCh)

	if err := s.router.Dispatch(nil, tr); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	wait := tr.Timeout() + waitGrace
	if s.waitTimeout > 0 && wait > s.waitTimeout {
		wait = s.waitTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result, nil
	case <-timer.C:
		s.log.Warn("gave up waiting for result", zap.String("taskId", tr.TaskID), zap.Duration("wait", wait))
		return nil, fmt.Errorf("task %s: %w", tr.TaskID, ErrWaitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
