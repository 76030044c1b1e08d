// Package session binds conversation ids to the node they were first used on.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/metrics"
	"github.com/taskmgr818/remote-subagent/internal/model"
)

const (
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

// Manager is the session store. A session's node binding never changes.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*model.SessionInfo
	ttl      time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewManager(ttl time.Duration, log *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		sessions: make(map[string]*model.SessionInfo),
		ttl:      ttl,
		log:      log.Named("sessions"),
		now:      time.Now,
	}
}

// Use records one message on sessionID, creating it bound to targetNodeID on
// first use. Reuse never rebinds the session.
func (m *Manager) Use(sessionID, targetNodeID string) {
	now := m.now().UTC()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		s.LastUsedAt = now
		s.MessageCount++
	} else {
		m.sessions[sessionID] = &model.SessionInfo{
			SessionID:    sessionID,
			TargetNodeID: targetNodeID,
			CreatedAt:    now,
			LastUsedAt:   now,
			MessageCount: 1,
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.Sessions.Set(float64(n))
	if ok && s.TargetNodeID != targetNodeID {
		m.log.Warn("session reused against another node",
			zap.String("sessionId", sessionID),
			zap.String("boundTo", s.TargetNodeID),
			zap.String("target", targetNodeID))
	}
}

// ValidateBinding reports whether sessionID may be resumed on targetNodeID.
// The reason is empty when valid.
func (m *Manager) ValidateBinding(sessionID, targetNodeID string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, "session not found"
	}
	if s.TargetNodeID != targetNodeID {
		return false, fmt.Sprintf("session belongs to node '%s', not '%s'", s.TargetNodeID, targetNodeID)
	}
	return true, ""
}

// Get returns a copy of the session.
func (m *Manager) Get(sessionID string) (model.SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return model.SessionInfo{}, false
	}
	return *s, true
}

// List returns sessions, optionally only those bound to nodeID, most
// recently used first.
func (m *Manager) List(nodeID string) []model.SessionInfo {
	m.mu.Lock()
	out := make([]model.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		if nodeID == "" || s.TargetNodeID == nodeID {
			out = append(out, *s)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out
}

func (m *Manager) Delete(sessionID string) bool {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.Sessions.Set(float64(n))
	return ok
}

// Sweep deletes sessions idle longer than the TTL and returns how many.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	removed := 0
	for id, s := range m.sessions {
		if s.LastUsedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.Sessions.Set(float64(n))
	if removed > 0 {
		m.log.Info("expired sessions removed", zap.Int("count", removed))
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
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
				m.Sweep()
			}
		}
	}()
}
