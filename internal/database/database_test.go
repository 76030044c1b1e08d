package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "nested", "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndAggregate(t *testing.T) {
	db := openTestDB(t)

	req := &model.TaskRequest{TaskID: "t1", SourceNodeID: "a", TargetNodeID: "b", Type: model.TaskTypePrompt}
	ok := model.SuccessResult(req, "done", 1200*time.Millisecond)
	failed := model.FailedResult(&model.TaskRequest{TaskID: "t2", SourceNodeID: "a", TargetNodeID: "b"},
		model.ErrCodeTimeout, "too slow", 800*time.Millisecond)

	first := NewTaskLog(req, ok)
	require.NoError(t, db.InsertTaskLog(first))
	assert.Positive(t, first.ID)
	require.NoError(t, db.InsertTaskLog(NewTaskLog(nil, failed)))

	stats, err := db.GetAggregateStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 1, stats.SucceededTasks)
	assert.Equal(t, 1, stats.FailedTasks)
	assert.Equal(t, 2, stats.TodayTasks)
	assert.InDelta(t, 1000, stats.AvgDurationMs, 0.1)
}

func TestRecentTaskLogsNewestFirst(t *testing.T) {
	db := openTestDB(t)

	for _, id := range []string{"t1", "t2", "t3"} {
		req := &model.TaskRequest{TaskID: id, SourceNodeID: "a", TargetNodeID: "b", Type: model.TaskTypeShell}
		require.NoError(t, db.InsertTaskLog(NewTaskLog(req, model.FailedResult(req, model.ErrCodeCancelled, "x", 0))))
	}

	logs, err := db.RecentTaskLogs(2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "t3", logs[0].TaskID)
	assert.Equal(t, "t2", logs[1].TaskID)
	assert.Equal(t, model.TaskTypeShell, logs[0].Type)
	assert.Equal(t, model.ErrCodeCancelled, logs[0].ErrorCode)
	assert.False(t, logs[0].Success)
	assert.False(t, logs[0].CreatedAt.IsZero())
}
