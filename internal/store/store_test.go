package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

type recorded struct {
	mu   sync.Mutex
	recs []*TaskRecord
}

func (r *recorded) write(_ context.Context, rec *TaskRecord) error {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return nil
}

func testRequest() *model.TaskRequest {
	return &model.TaskRequest{
		TaskID:       "t1",
		SourceNodeID: "n1-mcp-s",
		TargetNodeID: "n2",
		Type:         model.TaskTypePrompt,
		Payload:      model.NewPromptPayload(model.PromptPayload{Prompt: "hi"}),
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		TimeoutMs:    1000,
	}
}

func TestRecordsInOrderAndDrainsOnClose(t *testing.T) {
	var r recorded
	s := newStore(r.write, zap.NewNop())

	req := testRequest()
	s.TaskDispatched(req)
	res := model.SuccessResult(req, "ok", 1500*time.Millisecond)
	res.SessionID = "sess"
	s.TaskFinished(req, res)

	require.NoError(t, s.Close())
	require.Len(t, r.recs, 2)

	assert.Equal(t, StatusDispatched, r.recs[0].Status)
	assert.Nil(t, r.recs[0].FinishedAt)
	assert.Equal(t, req.CreatedAt, r.recs[0].CreatedAt)

	fin := r.recs[1]
	assert.Equal(t, StatusSucceeded, fin.Status)
	assert.Equal(t, "sess", fin.SessionID)
	assert.Equal(t, int64(1500), fin.DurationMs)
	require.NotNil(t, fin.FinishedAt)
	assert.Equal(t, "n2", fin.TargetNodeID)
}

func TestFailedRecordCarriesError(t *testing.T) {
	req := testRequest()
	rec := finishedRecord(req, model.FailedResult(req, model.ErrCodeTimeout, "too slow", time.Second))

	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "TIMEOUT", rec.ErrorCode)
	assert.Equal(t, "too slow", rec.ErrorMessage)
	assert.Equal(t, "prompt", rec.Type)
}

func TestWritesAfterCloseAreIgnored(t *testing.T) {
	var r recorded
	s := newStore(r.write, zap.NewNop())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s.TaskDispatched(testRequest())
	assert.Empty(t, r.recs)
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	var r recorded
	s := newStore(func(ctx context.Context, rec *TaskRecord) error {
		<-release
		return r.write(ctx, rec)
	}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for range queueSize + 10 {
			s.TaskDispatched(testRequest())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recorder blocked on a full queue")
	}
	close(release)
	require.NoError(t, s.Close())
	assert.LessOrEqual(t, len(r.recs), queueSize+1)
}
