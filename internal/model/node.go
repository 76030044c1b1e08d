package model

import "time"

type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeBusy    NodeStatus = "busy"
	NodeOffline NodeStatus = "offline"
)

// ConnectionType distinguishes executing workers from aux clients.
type ConnectionType string

const (
	ConnAgent ConnectionType = "agent"
	ConnAux   ConnectionType = "mcp"
)

// SystemMetrics is the host snapshot attached to heartbeats.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MemoryUsedMB  uint64  `json:"memoryUsedMb"`
	MemoryTotalMB uint64  `json:"memoryTotalMb"`
	DiskUsedGB    float64 `json:"diskUsedGb"`
	DiskTotalGB   float64 `json:"diskTotalGb"`
	LoadAverage   float64 `json:"loadAverage"`
	Goroutines    int     `json:"goroutines,omitempty"`
	UptimeSec     uint64  `json:"uptimeSec"`
}

// NodeInfo is the registry record for a worker. It survives disconnects
// with status offline.
type NodeInfo struct {
	NodeID        string         `json:"nodeId"`
	Name          string         `json:"name"`
	Platform      string         `json:"platform"`
	Arch          string         `json:"arch"`
	Version       string         `json:"version,omitempty"`
	Status        NodeStatus     `json:"status"`
	Capabilities  []string       `json:"capabilities"`
	CurrentTaskID string         `json:"currentTaskId,omitempty"`
	QueueLength   int            `json:"queueLength"`
	Metrics       *SystemMetrics `json:"metrics,omitempty"`
	ConnectedAt   time.Time      `json:"connectedAt"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
}

// AuxClientInfo is the registry record for an aux client.
type AuxClientInfo struct {
	SessionID     string    `json:"sessionId"`
	OwnerID       string    `json:"ownerId"`
	ConnID        string    `json:"connId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// AuthPayload is the body of the first frame on every connection.
// For aux clients NodeID is the aux session id and OwnerID names the
// node whose credential is presented.
type AuthPayload struct {
	NodeID         string         `json:"nodeId" binding:"required"`
	Name           string         `json:"name"`
	Platform       string         `json:"platform"`
	Arch           string         `json:"arch"`
	Version        string         `json:"version"`
	Capabilities   []string       `json:"capabilities"`
	ConnectionType ConnectionType `json:"connectionType" binding:"omitempty,oneof=agent mcp"`
	OwnerID        string         `json:"ownerId"`
	Token          string         `json:"token" binding:"required"`
}

// CredentialID is the node id the presented token must be scoped to.
func (a *AuthPayload) CredentialID() string {
	if a.ConnectionType == ConnAux && a.OwnerID != "" {
		return a.OwnerID
	}
	return a.NodeID
}

// Heartbeat is sent periodically by every connection.
type Heartbeat struct {
	NodeID        string         `json:"nodeId"`
	Status        NodeStatus     `json:"status" binding:"omitempty,oneof=online busy"`
	CurrentTaskID string         `json:"currentTaskId,omitempty"`
	QueueLength   int            `json:"queueLength" binding:"gte=0"`
	Metrics       *SystemMetrics `json:"metrics,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// SessionInfo binds a conversation id to the node it was first used on.
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	TargetNodeID string    `json:"targetNodeId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
	MessageCount int       `json:"messageCount"`
}

// RegistryStats summarizes the registry for /api/metrics.
type RegistryStats struct {
	TotalNodes   int `json:"totalNodes"`
	OnlineNodes  int `json:"onlineNodes"`
	BusyNodes    int `json:"busyNodes"`
	OfflineNodes int `json:"offlineNodes"`
	AuxClients   int `json:"auxClients"`
}
