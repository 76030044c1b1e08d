// Package observer fans coordinator events out to monitoring surfaces.
package observer

import "github.com/taskmgr818/remote-subagent/internal/model"

// Broadcaster receives every observer-bound event. Implementations must not
// block the caller.
type Broadcaster interface {
	Broadcast(event model.MsgType, payload any)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Broadcast(model.MsgType, any) {}

// Multi delivers each event to every member in order.
type Multi []Broadcaster

func (m Multi) Broadcast(event model.MsgType, payload any) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(event, payload)
		}
	}
}

// Func adapts a plain function.
type Func func(event model.MsgType, payload any)

func (f Func) Broadcast(event model.MsgType, payload any) { f(event, payload) }
