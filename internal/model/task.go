package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ─────────────────────────────────────────────
// Task payload (tagged by "type")
// ─────────────────────────────────────────────

// TaskType discriminates the payload variant.
type TaskType string

const (
	TaskTypePrompt TaskType = "prompt"
	TaskTypeShell  TaskType = "shell"
)

// PromptPayload asks the node's agent program to answer a free-text prompt.
type PromptPayload struct {
	Prompt    string `json:"prompt" binding:"required"`
	Cwd       string `json:"cwd,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTurns  int    `json:"maxTurns,omitempty" binding:"omitempty,gt=0"`
	SessionID string `json:"sessionId,omitempty"`
}

// ShellPayload runs a command line through the node's shell.
type ShellPayload struct {
	Command string `json:"command" binding:"required"`
	Cwd     string `json:"cwd,omitempty"`
}

// TaskPayload holds exactly one variant. Variants this build does not know
// are kept verbatim so they can be forwarded and rejected by the worker.
type TaskPayload struct {
	Type   TaskType
	Prompt *PromptPayload
	Shell  *ShellPayload

	raw json.RawMessage
}

func NewPromptPayload(p PromptPayload) TaskPayload {
	return TaskPayload{Type: TaskTypePrompt, Prompt: &p}
}

func NewShellPayload(p ShellPayload) TaskPayload {
	return TaskPayload{Type: TaskTypeShell, Shell: &p}
}

// SessionID returns the session the payload resumes, if any.
func (p TaskPayload) SessionID() string {
	if p.Prompt != nil {
		return p.Prompt.SessionID
	}
	return ""
}

// Known reports whether the payload decoded into a variant this build handles.
func (p TaskPayload) Known() bool {
	return p.Prompt != nil || p.Shell != nil
}

func (p TaskPayload) MarshalJSON() ([]byte, error) {
	switch {
	case p.Prompt != nil:
		return json.Marshal(struct {
			Type TaskType `json:"type"`
			*PromptPayload
		}{TaskTypePrompt, p.Prompt})
	case p.Shell != nil:
		return json.Marshal(struct {
			Type TaskType `json:"type"`
			*ShellPayload
		}{TaskTypeShell, p.Shell})
	case len(p.raw) > 0:
		return p.raw, nil
	default:
		return json.Marshal(struct {
			Type TaskType `json:"type"`
		}{p.Type})
	}
}

func (p *TaskPayload) UnmarshalJSON(data []byte) error {
	var head struct {
		Type TaskType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode payload type: %w", err)
	}

	*p = TaskPayload{Type: head.Type}
	switch head.Type {
	case TaskTypePrompt:
		p.Prompt = &PromptPayload{}
		return json.Unmarshal(data, p.Prompt)
	case TaskTypeShell:
		p.Shell = &ShellPayload{}
		return json.Unmarshal(data, p.Shell)
	default:
		p.raw = append(json.RawMessage(nil), data...)
		return nil
	}
}

// ─────────────────────────────────────────────
// Request / result / progress
// ─────────────────────────────────────────────

// TaskRequest is one unit of dispatched work. It is immutable once created.
type TaskRequest struct {
	TaskID       string      `json:"taskId" binding:"required"`
	SourceNodeID string      `json:"sourceNodeId" binding:"required"`
	TargetNodeID string      `json:"targetNodeId" binding:"required"`
	Type         TaskType    `json:"type" binding:"required"`
	Payload      TaskPayload `json:"payload"`
	Context      string      `json:"context,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	TimeoutMs    int64       `json:"timeoutMs" binding:"required,gt=0"`
}

func (r *TaskRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// TaskResult is the single terminal outcome of a TaskRequest.
type TaskResult struct {
	TaskID       string     `json:"taskId" binding:"required"`
	SourceNodeID string     `json:"sourceNodeId" binding:"required"`
	TargetNodeID string     `json:"targetNodeId" binding:"required"`
	Success      bool       `json:"success"`
	Result       string     `json:"result,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
	SessionID    string     `json:"sessionId,omitempty"`
	DurationMs   int64      `json:"durationMs"`
	CompletedAt  time.Time  `json:"completedAt"`
}

// SuccessResult builds a successful result for req.
func SuccessResult(req *TaskRequest, output string, d time.Duration) *TaskResult {
	return &TaskResult{
		TaskID:       req.TaskID,
		SourceNodeID: req.SourceNodeID,
		TargetNodeID: req.TargetNodeID,
		Success:      true,
		Result:       output,
		DurationMs:   d.Milliseconds(),
		CompletedAt:  time.Now().UTC(),
	}
}

// FailedResult builds a failed result for req carrying a coded error.
func FailedResult(req *TaskRequest, code ErrorCode, message string, d time.Duration) *TaskResult {
	return &TaskResult{
		TaskID:       req.TaskID,
		SourceNodeID: req.SourceNodeID,
		TargetNodeID: req.TargetNodeID,
		Error:        &TaskError{Code: code, Message: message},
		DurationMs:   d.Milliseconds(),
		CompletedAt:  time.Now().UTC(),
	}
}

// ProgressKind separates answer text from diagnostics.
type ProgressKind string

const (
	ProgressPartialResult ProgressKind = "partial_result"
	ProgressStatusUpdate  ProgressKind = "status_update"
)

// TaskProgress is one streamed chunk of a running task.
type TaskProgress struct {
	TaskID    string       `json:"taskId" binding:"required"`
	NodeID    string       `json:"nodeId"`
	Type      ProgressKind `json:"type" binding:"required,oneof=partial_result status_update"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// ─────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────

type ErrorCode string

const (
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
	ErrCodeCancelled       ErrorCode = "CANCELLED"
	ErrCodeNodeOffline     ErrorCode = "NODE_OFFLINE"
	ErrCodeQueueFull       ErrorCode = "QUEUE_FULL"
	ErrCodeExecutionError  ErrorCode = "EXECUTION_ERROR"
	ErrCodeAuthFailed      ErrorCode = "AUTH_FAILED"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeUnknown         ErrorCode = "UNKNOWN"
)

// TaskError is the structured failure carried by a TaskResult.
// It also satisfies error so execution paths can return it directly.
type TaskError struct {
	Code    ErrorCode `json:"code" binding:"required"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func NewTaskError(code ErrorCode, format string, args ...any) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *TaskError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// AsTaskError unwraps err into a TaskError, classifying anything else as
// UNKNOWN with the original message preserved.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return &TaskError{Code: ErrCodeUnknown, Message: err.Error()}
}

// ─────────────────────────────────────────────
// History
// ─────────────────────────────────────────────

// HistoryEntry is one finished task as kept in the router's history ring.
type HistoryEntry struct {
	Request *TaskRequest `json:"request"`
	Result  *TaskResult  `json:"result"`
}

// ActiveTask is the public view of an in-flight task.
type ActiveTask struct {
	Request   *TaskRequest `json:"request"`
	StartedAt time.Time    `json:"startedAt"`
	ElapsedMs int64        `json:"elapsedMs"`
}
