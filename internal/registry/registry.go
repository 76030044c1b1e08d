// Package registry is the single source of truth for who is connected to the
// coordinator and what state each worker is in.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/metrics"
	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/observer"
)

const (
	DefaultAuxTTL        = 2 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Conn is a live connection handle. Send must not block.
type Conn interface {
	ID() string
	Send(event model.MsgType, payload any) error
}

// Binding describes what a connection id was registered as.
type Binding struct {
	ID   string
	Kind model.ConnectionType
}

// Registry owns every connection-related map behind one mutex. Observer
// broadcasts are always issued after the lock is released.
type Registry struct {
	mu        sync.Mutex
	nodes     map[string]*model.NodeInfo
	aux       map[string]*auxEntry
	connIndex map[string]Binding
	nodeConn  map[string]Conn

	auxTTL time.Duration
	obs    observer.Broadcaster
	log    *zap.Logger
	now    func() time.Time
}

type auxEntry struct {
	info model.AuxClientInfo
	conn Conn
}

func New(auxTTL time.Duration, obs observer.Broadcaster, log *zap.Logger) *Registry {
	if auxTTL <= 0 {
		auxTTL = DefaultAuxTTL
	}
	if obs == nil {
		obs = observer.Nop{}
	}
	return &Registry{
		nodes:     make(map[string]*model.NodeInfo),
		aux:       make(map[string]*auxEntry),
		connIndex: make(map[string]Binding),
		nodeConn:  make(map[string]Conn),
		auxTTL:    auxTTL,
		obs:       obs,
		log:       log.Named("registry"),
		now:       time.Now,
	}
}

// ── Registration ──

// RegisterWorker binds conn to the worker identity. Re-registration of a
// known node keeps its original connectedAt.
func (r *Registry) RegisterWorker(conn Conn, auth *model.AuthPayload) model.NodeInfo {
	now := r.now().UTC()
	info := &model.NodeInfo{
		NodeID:        auth.NodeID,
		Name:          auth.Name,
		Platform:      auth.Platform,
		Arch:          auth.Arch,
		Version:       auth.Version,
		Status:        model.NodeOnline,
		Capabilities:  append([]string(nil), auth.Capabilities...),
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	if info.Name == "" {
		info.Name = auth.NodeID
	}

	r.mu.Lock()
	existing, known := r.nodes[auth.NodeID]
	if known {
		info.ConnectedAt = existing.ConnectedAt
	}
	r.nodes[auth.NodeID] = info
	r.nodeConn[auth.NodeID] = conn
	r.connIndex[conn.ID()] = Binding{ID: auth.NodeID, Kind: model.ConnAgent}
	snapshot := *info
	r.mu.Unlock()

	if known {
		r.log.Info("node re-registered", zap.String("nodeId", auth.NodeID))
	} else {
		r.log.Info("node registered", zap.String("nodeId", auth.NodeID), zap.String("name", info.Name))
	}
	r.publishNodes()
	return snapshot
}

// RegisterAux creates or refreshes an aux client record keyed by its
// session id.
func (r *Registry) RegisterAux(conn Conn, auth *model.AuthPayload) {
	now := r.now().UTC()
	owner := auth.OwnerID
	if owner == "" {
		owner = auth.NodeID
	}

	r.mu.Lock()
	if prev, ok := r.aux[auth.NodeID]; ok && prev.conn.ID() != conn.ID() {
		delete(r.connIndex, prev.conn.ID())
	}
	r.aux[auth.NodeID] = &auxEntry{
		info: model.AuxClientInfo{
			SessionID:     auth.NodeID,
			OwnerID:       owner,
			ConnID:        conn.ID(),
			ConnectedAt:   now,
			LastHeartbeat: now,
		},
		conn: conn,
	}
	r.connIndex[conn.ID()] = Binding{ID: auth.NodeID, Kind: model.ConnAux}
	n := len(r.aux)
	r.mu.Unlock()

	metrics.AuxClients.Set(float64(n))
	r.log.Info("aux client registered", zap.String("sessionId", auth.NodeID), zap.String("owner", owner))
}

// Unregister drops a connection. A worker is marked offline and keeps its
// record, but only when connID is still its current connection. An aux
// client is deleted.
func (r *Registry) Unregister(connID string) (Binding, bool) {
	r.mu.Lock()
	b, ok := r.connIndex[connID]
	if !ok {
		r.mu.Unlock()
		return Binding{}, false
	}
	delete(r.connIndex, connID)

	changed := false
	switch b.Kind {
	case model.ConnAux:
		if e, ok := r.aux[b.ID]; ok && e.conn.ID() == connID {
			delete(r.aux, b.ID)
		}
	default:
		if c, ok := r.nodeConn[b.ID]; ok && c.ID() == connID {
			delete(r.nodeConn, b.ID)
			if n, ok := r.nodes[b.ID]; ok {
				n.Status = model.NodeOffline
				n.CurrentTaskID = ""
				changed = true
			}
		}
	}
	n := len(r.aux)
	r.mu.Unlock()

	if b.Kind == model.ConnAux {
		metrics.AuxClients.Set(float64(n))
		r.log.Info("aux client disconnected", zap.String("sessionId", b.ID))
		return b, true
	}
	if changed {
		r.log.Info("node disconnected", zap.String("nodeId", b.ID))
		r.publishNodes()
	}
	return b, true
}

// ── Liveness ──

// RecordHeartbeat updates a worker's live fields. It returns false for
// unknown or offline nodes.
func (r *Registry) RecordHeartbeat(nodeID string, hb *model.Heartbeat) bool {
	status := hb.Status
	if status == "" {
		status = model.NodeOnline
	}

	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok || n.Status == model.NodeOffline {
		r.mu.Unlock()
		return false
	}
	prev := n.Status
	n.Status = status
	n.CurrentTaskID = hb.CurrentTaskID
	n.QueueLength = hb.QueueLength
	if hb.Metrics != nil {
		m := *hb.Metrics
		n.Metrics = &m
	}
	n.LastHeartbeat = r.now().UTC()
	r.mu.Unlock()

	if hb.Metrics != nil {
		r.obs.Broadcast(model.MsgTypeMetricsUpdate, model.MetricsUpdate{NodeID: nodeID, Metrics: hb.Metrics})
	}
	if prev != status {
		r.publishNodes()
	}
	return true
}

// TouchAux refreshes an aux client's heartbeat.
func (r *Registry) TouchAux(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.aux[sessionID]
	if ok {
		e.info.LastHeartbeat = r.now().UTC()
	}
	return ok
}

// SweepAux removes aux clients idle longer than the TTL and closes their
// connections when the handle supports it.
func (r *Registry) SweepAux() int {
	cutoff := r.now().Add(-r.auxTTL)

	r.mu.Lock()
	var expired []*auxEntry
	for id, e := range r.aux {
		if e.info.LastHeartbeat.Before(cutoff) {
			delete(r.aux, id)
			delete(r.connIndex, e.conn.ID())
			expired = append(expired, e)
		}
	}
	n := len(r.aux)
	r.mu.Unlock()

	metrics.AuxClients.Set(float64(n))
	for _, e := range expired {
		r.log.Warn("aux client expired", zap.String("sessionId", e.info.SessionID))
		if c, ok := e.conn.(interface{ Close() }); ok {
			c.Close()
		}
	}
	return len(expired)
}

// StartSweeper runs SweepAux every interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepAux()
			}
		}
	}()
}

// ── Lookups ──

// ResolveTarget returns the live connection of an online worker, or a
// NODE_OFFLINE error when the node is unknown, offline or has no handle.
func (r *Registry) ResolveTarget(nodeID string) (Conn, *model.TaskError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok || n.Status == model.NodeOffline {
		return nil, model.NewTaskError(model.ErrCodeNodeOffline, "node %s is offline", nodeID)
	}
	c, ok := r.nodeConn[nodeID]
	if !ok {
		return nil, model.NewTaskError(model.ErrCodeNodeOffline, "no connection for node %s", nodeID)
	}
	return c, nil
}

// Lookup reports what connID was registered as.
func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.connIndex[connID]
	return b, ok
}

// Node returns a copy of one worker record.
func (r *Registry) Node(nodeID string) (model.NodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return model.NodeInfo{}, false
	}
	return copyNode(n), true
}

// Nodes returns every worker record, including offline ones, sorted by id.
func (r *Registry) Nodes() []model.NodeInfo {
	r.mu.Lock()
	out := make([]model.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, copyNode(n))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// OnlineNodes returns every worker that is not offline.
func (r *Registry) OnlineNodes() []model.NodeInfo {
	all := r.Nodes()
	out := all[:0]
	for _, n := range all {
		if n.Status != model.NodeOffline {
			out = append(out, n)
		}
	}
	return out
}

// AuxClients returns the connected aux clients.
func (r *Registry) AuxClients() []model.AuxClientInfo {
	r.mu.Lock()
	out := make([]model.AuxClientInfo, 0, len(r.aux))
	for _, e := range r.aux {
		out = append(out, e.info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (r *Registry) Stats() model.RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := model.RegistryStats{TotalNodes: len(r.nodes), AuxClients: len(r.aux)}
	for _, n := range r.nodes {
		switch n.Status {
		case model.NodeOnline:
			s.OnlineNodes++
		case model.NodeBusy:
			s.BusyNodes++
		default:
			s.OfflineNodes++
		}
	}
	return s
}

func (r *Registry) publishNodes() {
	s := r.Stats()
	metrics.NodesByStatus.WithLabelValues(string(model.NodeOnline)).Set(float64(s.OnlineNodes))
	metrics.NodesByStatus.WithLabelValues(string(model.NodeBusy)).Set(float64(s.BusyNodes))
	metrics.NodesByStatus.WithLabelValues(string(model.NodeOffline)).Set(float64(s.OfflineNodes))

	r.obs.Broadcast(model.MsgTypeNodesUpdate, r.Nodes())
}

func copyNode(n *model.NodeInfo) model.NodeInfo {
	c := *n
	c.Capabilities = append([]string(nil), n.Capabilities...)
	if n.Metrics != nil {
		m := *n.Metrics
		c.Metrics = &m
	}
	return c
}
