package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/metrics"
	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/observer"
)

var _ observer.Broadcaster = (*ObserverHub)(nil)

// ─────────────────────────────────────────────
// ObserverHub: read-only dashboard connections
// ─────────────────────────────────────────────

// ObserverHub fans coordinator events out to subscribed observers. It
// implements observer.Broadcaster. Observers only receive events after
// sending dashboard:subscribe.
type ObserverHub struct {
	mu          sync.RWMutex
	subscribers map[*Client]struct{}
	snapshot    func() []model.NodeInfo
	log         *zap.Logger
}

// NewObserverHub creates a hub with no node snapshot; see SetSnapshot.
func NewObserverHub(log *zap.Logger) *ObserverHub {
	return &ObserverHub{
		subscribers: make(map[*Client]struct{}),
		log:         log.Named("observers"),
	}
}

// SetSnapshot sets the node list provider used on subscribe.
func (o *ObserverHub) SetSnapshot(f func() []model.NodeInfo) {
	o.mu.Lock()
	o.snapshot = f
	o.mu.Unlock()
}

// Serve runs an observer connection until it closes. Blocks.
func (o *ObserverHub) Serve(conn *websocket.Conn) {
	c := newClient(conn, o.log)
	c.run(func(f *model.Frame) { o.handleFrame(c, f) })

	o.mu.Lock()
	_, was := o.subscribers[c]
	delete(o.subscribers, c)
	n := len(o.subscribers)
	o.mu.Unlock()

	if was {
		metrics.Observers.Set(float64(n))
		o.log.Debug("observer left", zap.String("connId", c.ID()), zap.Int("total", n))
	}
}

func (o *ObserverHub) handleFrame(c *Client, f *model.Frame) {
	if f.Type != model.MsgTypeDashboardSubscribe {
		_ = c.SendWithID(model.MsgTypeError, f.ID, model.ErrorMessage{Message: "observers may only subscribe"})
		return
	}

	o.mu.Lock()
	o.subscribers[c] = struct{}{}
	n := len(o.subscribers)
	snapshot := o.snapshot
	o.mu.Unlock()

	metrics.Observers.Set(float64(n))
	o.log.Debug("observer subscribed", zap.String("connId", c.ID()), zap.Int("total", n))

	if snapshot != nil {
		_ = c.Send(model.MsgTypeNodesUpdate, snapshot())
	}
}

// Broadcast sends an event to every subscriber. The payload is encoded once.
// Drops are logged at debug level only: the log buffer itself broadcasts
// through here.
func (o *ObserverHub) Broadcast(event model.MsgType, payload any) {
	data, err := json.Marshal(model.Envelope{Type: event, Payload: payload})
	if err != nil {
		o.log.Debug("marshal broadcast failed", zap.String("type", string(event)), zap.Error(err))
		return
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	for c := range o.subscribers {
		select {
		case <-c.done:
			continue
		default:
		}
		select {
		case c.send <- data:
		default:
			o.log.Debug("observer buffer full, dropping", zap.String("connId", c.ID()), zap.String("type", string(event)))
		}
	}
}

// Count is the number of subscribed observers.
func (o *ObserverHub) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subscribers)
}
