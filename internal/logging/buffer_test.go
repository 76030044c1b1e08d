package logging

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.LogEntry
}

func (r *recorder) Broadcast(event model.MsgType, payload any) {
	if event != model.MsgTypeDashboardLog {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, payload.(model.LogEntry))
	r.mu.Unlock()
}

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(model.LogEntry{Level: model.LogLevelInfo, Event: fmt.Sprintf("e%d", i)})
	}

	got := b.Query(Query{})
	require.Len(t, got, 3)
	assert.Equal(t, "e2", got[0].Event)
	assert.Equal(t, "e4", got[2].Event)
}

func TestBufferQueryFilters(t *testing.T) {
	b := NewBuffer(10)
	b.Add(model.LogEntry{Level: model.LogLevelInfo, Source: "router", Event: "task dispatched", TaskID: "abc"})
	b.Add(model.LogEntry{Level: model.LogLevelWarn, Source: "registry", Event: "aux expired"})
	b.Add(model.LogEntry{Level: model.LogLevelError, Source: "router", Event: "send failed", Details: "Broken Pipe"})

	assert.Len(t, b.Query(Query{Source: "router"}), 2)
	assert.Len(t, b.Query(Query{Level: model.LogLevelWarn}), 1)
	assert.Len(t, b.Query(Query{Search: "broken"}), 1)
	assert.Len(t, b.Query(Query{Search: "ABC"}), 1)

	last := b.Query(Query{Limit: 1})
	require.Len(t, last, 1)
	assert.Equal(t, "send failed", last[0].Event)

	errs, warns := b.Counts()
	assert.Equal(t, 1, errs)
	assert.Equal(t, 1, warns)
}

func TestBufferCoreCapturesZapEntries(t *testing.T) {
	b := NewBuffer(10)
	rec := &recorder{}
	b.SetBroadcaster(rec)

	log := zap.New(b.Core()).Named("router")
	log.Debug("ignored")
	log.With(zap.String("taskId", "t-1")).Warn("task timed out",
		zap.Error(errors.New("deadline")), zap.Int("timeoutMs", 5000))

	got := b.Query(Query{})
	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, model.LogLevelWarn, e.Level)
	assert.Equal(t, "router", e.Source)
	assert.Equal(t, "task timed out", e.Event)
	assert.Equal(t, "t-1", e.TaskID)
	assert.Equal(t, "deadline timeoutMs=5000", e.Details)
	assert.NotEmpty(t, e.ID)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 1)
	assert.Equal(t, e.ID, rec.events[0].ID)
}

func TestBuildRejectsBadLevel(t *testing.T) {
	_, _, err := Build("loud", "json")
	assert.Error(t, err)

	l, lvl, err := Build("warn", "console")
	require.NoError(t, err)
	assert.NotNil(t, l)
	assert.Equal(t, "warn", lvl.String())
}
