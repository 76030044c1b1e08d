// Package ws is the coordinator side of the WebSocket transport: the hub
// serving workers and aux clients, the observer hub and the result waiter.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/registry"
	"github.com/taskmgr818/remote-subagent/internal/router"
	"github.com/taskmgr818/remote-subagent/internal/session"
)

// Authenticator verifies the credential in an authenticate frame.
type Authenticator interface {
	Authenticate(p *model.AuthPayload) error
}

// ─────────────────────────────────────────────
// Hub: workers and aux clients
// ─────────────────────────────────────────────

// Hub accepts worker and aux connections, authenticates them and feeds
// their frames into the registry, router and session manager.
type Hub struct {
	reg      *registry.Registry
	router   *router.Router
	sessions *session.Manager
	auth     Authenticator
	log      *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(reg *registry.Registry, rt *router.Router, sessions *session.Manager, auth Authenticator, log *zap.Logger) *Hub {
	return &Hub{
		reg:      reg,
		router:   rt,
		sessions: sessions,
		auth:     auth,
		log:      log.Named("hub"),
	}
}

// peer is the per-connection state. It is only touched from the
// connection's read pump, so it needs no lock.
type peer struct {
	c        *Client
	identity *model.AuthPayload // nil until authenticated
	kind     model.ConnectionType
	log      *zap.Logger
}

// Serve runs the connection until it closes. Blocks.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := newClient(conn, h.log)
	p := &peer{c: c, log: c.log}

	c.run(func(f *model.Frame) { h.handleFrame(p, f) })

	if b, ok := h.reg.Unregister(c.ID()); ok {
		p.log.Info("connection closed", zap.String("id", b.ID), zap.String("kind", string(b.Kind)))
	}
}

func (h *Hub) handleFrame(p *peer, f *model.Frame) {
	if f.Type == model.MsgTypeAuthenticate {
		h.handleAuthenticate(p, f)
		return
	}
	if p.identity == nil {
		h.sendError(p, f.ID, model.ErrCodeAuthFailed, "authenticate first")
		return
	}

	switch f.Type {
	case model.MsgTypeHeartbeat:
		h.handleHeartbeat(p, f)
	case model.MsgTypeTaskRequest:
		h.handleTaskRequest(p, f)
	case model.MsgTypeTaskResult:
		h.handleTaskResult(p, f)
	case model.MsgTypeTaskProgress:
		h.handleTaskProgress(p, f)
	case model.MsgTypeTaskCancel:
		h.handleTaskCancel(p, f)
	case model.MsgTypeListNodes:
		_ = p.c.SendWithID(model.MsgTypeNodesList, f.ID, h.reg.Nodes())
	case model.MsgTypeListSessions:
		h.handleListSessions(p, f)
	case model.MsgTypeDeleteSession:
		h.handleDeleteSession(p, f)
	default:
		p.log.Warn("unknown message type", zap.String("type", string(f.Type)))
		h.sendError(p, f.ID, "", "unknown message type: "+string(f.Type))
	}
}

// ── Authentication ──

func (h *Hub) handleAuthenticate(p *peer, f *model.Frame) {
	if p.identity != nil {
		h.sendError(p, f.ID, "", "already authenticated")
		return
	}

	var a model.AuthPayload
	if err := decode(f, &a); err != nil {
		h.rejectAuth(p, f.ID, err.Error())
		return
	}
	if err := h.auth.Authenticate(&a); err != nil {
		h.rejectAuth(p, f.ID, "invalid credentials")
		return
	}

	p.identity = &a
	p.kind = a.ConnectionType
	if p.kind == "" {
		p.kind = model.ConnAgent
	}
	p.log = p.log.With(zap.String("id", a.NodeID), zap.String("kind", string(p.kind)))

	if p.kind == model.ConnAux {
		h.reg.RegisterAux(p.c, &a)
	} else {
		h.reg.RegisterWorker(p.c, &a)
	}
	_ = p.c.SendWithID(model.MsgTypeAuthResult, f.ID, model.AuthResult{Success: true, Message: "authenticated"})
}

func (h *Hub) rejectAuth(p *peer, id, message string) {
	p.log.Warn("authentication failed", zap.String("reason", message))
	_ = p.c.SendWithID(model.MsgTypeAuthResult, id, model.AuthResult{Success: false, Message: message})
	p.c.Close()
}

// ── Liveness ──

func (h *Hub) handleHeartbeat(p *peer, f *model.Frame) {
	if p.kind == model.ConnAux {
		h.reg.TouchAux(p.identity.NodeID)
		return
	}

	var hb model.Heartbeat
	if err := decode(f, &hb); err != nil {
		h.sendError(p, f.ID, "", err.Error())
		return
	}
	hb.NodeID = p.identity.NodeID // enforce server-side node identity
	if !h.reg.RecordHeartbeat(hb.NodeID, &hb) {
		p.log.Warn("heartbeat from unregistered node")
	}
}

// ── Tasks ──

func (h *Hub) handleTaskRequest(p *peer, f *model.Frame) {
	var req model.TaskRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		h.sendError(p, f.ID, "", "invalid task:request payload: "+err.Error())
		return
	}

	req.SourceNodeID = p.identity.NodeID
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if req.Type == "" {
		req.Type = req.Payload.Type
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = h.router.DefaultTimeout().Milliseconds()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		h.sendError(p, f.ID, "", "invalid task:request payload: "+err.Error())
		return
	}

	if err := h.router.Dispatch(p.c, &req); err != nil {
		if errors.Is(err, router.ErrDuplicateTask) {
			h.sendError(p, f.ID, "", fmt.Sprintf("task %s is already pending", req.TaskID))
			return
		}
		h.sendError(p, f.ID, model.ErrCodeUnknown, err.Error())
	}
}

func (h *Hub) handleTaskResult(p *peer, f *model.Frame) {
	if p.kind == model.ConnAux {
		h.sendError(p, f.ID, "", "aux clients cannot report results")
		return
	}

	var res model.TaskResult
	if err := json.Unmarshal(f.Payload, &res); err != nil {
		h.sendError(p, f.ID, "", "invalid task:result payload: "+err.Error())
		return
	}
	res.TargetNodeID = p.identity.NodeID // enforce server-side node identity
	if err := res.Validate(); err != nil {
		h.sendError(p, f.ID, "", "invalid task:result payload: "+err.Error())
		return
	}
	h.router.HandleResult(&res)
}

func (h *Hub) handleTaskProgress(p *peer, f *model.Frame) {
	if p.kind == model.ConnAux {
		return
	}

	var pr model.TaskProgress
	if err := decode(f, &pr); err != nil {
		h.sendError(p, f.ID, "", err.Error())
		return
	}
	pr.NodeID = p.identity.NodeID
	h.router.HandleProgress(&pr)
}

func (h *Hub) handleTaskCancel(p *peer, f *model.Frame) {
	var cr model.CancelRequest
	if err := decode(f, &cr); err != nil {
		h.sendError(p, f.ID, "", err.Error())
		return
	}
	switch err := h.router.CancelFrom(p.identity.NodeID, cr.TaskID); {
	case errors.Is(err, router.ErrNotPending):
		h.sendError(p, f.ID, "", fmt.Sprintf("task %s is not pending", cr.TaskID))
	case errors.Is(err, router.ErrNotOwner):
		h.sendError(p, f.ID, "", fmt.Sprintf("task %s was not sent by or to %s", cr.TaskID, p.identity.NodeID))
	}
}

// ── Sessions ──

func (h *Hub) handleListSessions(p *peer, f *model.Frame) {
	var q model.SessionQuery
	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		if err := json.Unmarshal(f.Payload, &q); err != nil {
			h.sendError(p, f.ID, "", "invalid list:sessions payload: "+err.Error())
			return
		}
	}
	_ = p.c.SendWithID(model.MsgTypeSessionsList, f.ID, h.sessions.List(q.NodeID))
}

func (h *Hub) handleDeleteSession(p *peer, f *model.Frame) {
	var d model.DeleteSessionRequest
	if err := decode(f, &d); err != nil {
		h.sendError(p, f.ID, "", err.Error())
		return
	}
	deleted := h.sessions.Delete(d.SessionID)
	_ = p.c.SendWithID(model.MsgTypeSessionGone, f.ID, model.SessionDeleted{SessionID: d.SessionID, Deleted: deleted})
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func (h *Hub) sendError(p *peer, id string, code model.ErrorCode, message string) {
	p.log.Debug("rejecting frame", zap.String("reason", message))
	_ = p.c.SendWithID(model.MsgTypeError, id, model.ErrorMessage{Code: code, Message: message})
}

// decode unmarshals a frame payload and validates its binding tags.
func decode(f *model.Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", f.Type, err)
	}
	if err := model.Validate(v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", f.Type, err)
	}
	return nil
}
