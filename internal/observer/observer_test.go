package observer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

func TestMultiFansOutInOrder(t *testing.T) {
	var got []string
	rec := func(name string) Broadcaster {
		return Func(func(event model.MsgType, payload any) {
			got = append(got, name+":"+string(event)+":"+payload.(string))
		})
	}

	m := Multi{rec("a"), nil, Nop{}, rec("b")}
	m.Broadcast(model.MsgTypeNodesList, "x")
	m.Broadcast(model.MsgTypeTaskResult, "y")

	assert.Equal(t, []string{
		"a:" + string(model.MsgTypeNodesList) + ":x",
		"b:" + string(model.MsgTypeNodesList) + ":x",
		"a:" + string(model.MsgTypeTaskResult) + ":y",
		"b:" + string(model.MsgTypeTaskResult) + ":y",
	}, got)
}

// gatedPublisher records published frames and blocks each publish until
// released.
type gatedPublisher struct {
	mu       sync.Mutex
	channels []string
	frames   []model.Frame
	entered  chan struct{}
	release  chan struct{}
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (p *gatedPublisher) publish(ctx context.Context, channel string, data []byte) error {
	p.entered <- struct{}{}
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	var f model.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	p.mu.Lock()
	p.channels = append(p.channels, channel)
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return nil
}

func (p *gatedPublisher) published() []model.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Frame(nil), p.frames...)
}

func TestRedisMirrorPublishesEnvelopes(t *testing.T) {
	p := newGatedPublisher()
	close(p.release)
	m := newRedisMirror(p.publish, "", 8, zap.NewNop())

	m.Broadcast(model.MsgTypeTaskResult, model.TaskResult{TaskID: "t1", Success: true})
	m.Close()

	frames := p.published()
	require.Len(t, frames, 1)
	assert.Equal(t, model.MsgTypeTaskResult, frames[0].Type)
	var res model.TaskResult
	require.NoError(t, json.Unmarshal(frames[0].Payload, &res))
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, []string{DefaultMirrorTopic}, p.channels)
}

func TestRedisMirrorDropsWhenFull(t *testing.T) {
	p := newGatedPublisher()
	m := newRedisMirror(p.publish, "events", 1, zap.NewNop())

	m.Broadcast(model.MsgTypeTaskProgress, "first")
	select {
	case <-p.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the first event")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Broadcast(model.MsgTypeTaskProgress, "buffered")
		m.Broadcast(model.MsgTypeTaskProgress, "dropped")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full buffer")
	}

	close(p.release)
	m.Close()

	var contents []string
	for _, f := range p.published() {
		var s string
		require.NoError(t, json.Unmarshal(f.Payload, &s))
		contents = append(contents, s)
	}
	assert.Equal(t, []string{"first", "buffered"}, contents)
	assert.Equal(t, []string{"events", "events"}, p.channels)
}

func TestRedisMirrorCloseIsIdempotentAndStopsPublishing(t *testing.T) {
	p := newGatedPublisher()
	close(p.release)
	m := newRedisMirror(p.publish, "events", 8, zap.NewNop())

	m.Close()
	m.Close()
	m.Broadcast(model.MsgTypeTaskResult, "late")

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, p.published())
}

func TestRedisMirrorPublishErrorsAreSwallowed(t *testing.T) {
	calls := make(chan string, 4)
	m := newRedisMirror(func(_ context.Context, _ string, data []byte) error {
		var f model.Frame
		_ = json.Unmarshal(data, &f)
		calls <- string(f.Type)
		return assert.AnError
	}, "events", 4, zap.NewNop())

	m.Broadcast(model.MsgTypeTaskProgress, 1)
	m.Broadcast(model.MsgTypeTaskResult, 2)
	m.Close()

	require.Len(t, calls, 2)
	assert.Equal(t, string(model.MsgTypeTaskProgress), <-calls)
	assert.Equal(t, string(model.MsgTypeTaskResult), <-calls)
}
