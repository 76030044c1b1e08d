package model

import "encoding/json"

// MsgType represents the WebSocket event name carried in every frame.
type MsgType string

const (
	// Client → Server
	MsgTypeAuthenticate  MsgType = "authenticate"
	MsgTypeHeartbeat     MsgType = "heartbeat"
	MsgTypeTaskRequest   MsgType = "task:request"
	MsgTypeTaskResult    MsgType = "task:result"
	MsgTypeTaskProgress  MsgType = "task:progress"
	MsgTypeTaskCancel    MsgType = "task:cancel"
	MsgTypeListNodes     MsgType = "list:nodes"
	MsgTypeListSessions  MsgType = "list:sessions"
	MsgTypeDeleteSession MsgType = "delete:session"

	// Server → Client
	MsgTypeAuthResult   MsgType = "auth:result"
	MsgTypeTaskAssign   MsgType = "task:assign"
	MsgTypeTaskResponse MsgType = "task:response"
	MsgTypeNodesList    MsgType = "nodes:list"
	MsgTypeSessionsList MsgType = "sessions:list"
	MsgTypeSessionGone  MsgType = "session:deleted"
	MsgTypeError        MsgType = "error:message"

	// Observer channel
	MsgTypeDashboardSubscribe MsgType = "dashboard:subscribe"
	MsgTypeDashboardLog       MsgType = "dashboard:log"
	MsgTypeNodesUpdate        MsgType = "dashboard:nodes_update"
	MsgTypeTaskUpdate         MsgType = "dashboard:task_update"
	MsgTypeMetricsUpdate      MsgType = "dashboard:metrics_update"
	MsgTypeDashboardProgress  MsgType = "dashboard:task_progress"
)

// Envelope is the top-level WebSocket frame.
// ID is optional and only used to pair a request with its reply
// (list:nodes → nodes:list, list:sessions → sessions:list).
type Envelope struct {
	Type    MsgType `json:"type"`
	ID      string  `json:"id,omitempty"`
	Payload any     `json:"payload,omitempty"`
}

// Frame is the inbound view of an Envelope with the payload left undecoded.
type Frame struct {
	Type    MsgType         `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthResult answers an authenticate event.
type AuthResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CancelRequest is the payload of task:cancel in both directions.
type CancelRequest struct {
	TaskID string `json:"taskId" binding:"required"`
}

// ErrorMessage is the payload of error:message.
type ErrorMessage struct {
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
}

// MetricsUpdate is the metrics-only observer broadcast.
type MetricsUpdate struct {
	NodeID  string         `json:"nodeId"`
	Metrics *SystemMetrics `json:"metrics"`
}

// SessionQuery is the payload of list:sessions.
type SessionQuery struct {
	NodeID string `json:"nodeId,omitempty"`
}

// DeleteSessionRequest is the payload of delete:session.
type DeleteSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// SessionDeleted answers delete:session.
type SessionDeleted struct {
	SessionID string `json:"sessionId"`
	Deleted   bool   `json:"deleted"`
}

// LogLevel mirrors the zap levels exposed to observers.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is one buffered log line as seen by observers and GET /api/logs.
type LogEntry struct {
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Source    string   `json:"source"`
	Event     string   `json:"event"`
	Details   string   `json:"details,omitempty"`
	TaskID    string   `json:"taskId,omitempty"`
}
