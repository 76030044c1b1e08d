// Package database keeps a worker node's local execution log in SQLite.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

// TaskLog is one executed task as seen by the worker.
type TaskLog struct {
	ID           int64
	TaskID       string
	SourceNodeID string
	Type         model.TaskType
	Success      bool
	ErrorCode    model.ErrorCode
	DurationMs   int64
	SessionID    string
	CreatedAt    time.Time
}

// NewTaskLog builds a log row from a finished task.
func NewTaskLog(req *model.TaskRequest, res *model.TaskResult) *TaskLog {
	l := &TaskLog{
		TaskID:       res.TaskID,
		SourceNodeID: res.SourceNodeID,
		Success:      res.Success,
		DurationMs:   res.DurationMs,
		SessionID:    res.SessionID,
		CreatedAt:    res.CompletedAt,
	}
	if req != nil {
		l.Type = req.Type
	}
	if res.Error != nil {
		l.ErrorCode = res.Error.Code
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return l
}

const timestampLayout = "2006-01-02 15:04:05"

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{timestampLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// DB wraps the SQLite database
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema
func NewDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory failed: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}

	// SQLite allows one writer at a time
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		source_node_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_task_id ON task_logs(task_id);
	CREATE INDEX IF NOT EXISTS idx_created_at ON task_logs(created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// InsertTaskLog inserts a new execution log entry
func (db *DB) InsertTaskLog(l *TaskLog) error {
	query := `
		INSERT INTO task_logs (task_id, source_node_id, type, success, error_code, duration_ms, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.conn.Exec(query,
		l.TaskID, l.SourceNodeID, string(l.Type), l.Success, string(l.ErrorCode),
		l.DurationMs, l.SessionID, l.CreatedAt.UTC().Format(timestampLayout))
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	l.ID = id
	return nil
}

// RecentTaskLogs returns up to limit entries, newest first.
func (db *DB) RecentTaskLogs(limit int) ([]TaskLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(`
		SELECT id, task_id, source_node_id, type, success, error_code, duration_ms, session_id, created_at
		FROM task_logs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()

	var logs []TaskLog
	for rows.Next() {
		var (
			l         TaskLog
			typ, code string
			created   sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &l.SourceNodeID, &typ, &l.Success, &code,
			&l.DurationMs, &l.SessionID, &created); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		l.CreatedAt = parseTimestamp(created.String)
		l.Type = model.TaskType(typ)
		l.ErrorCode = model.ErrorCode(code)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AggregateStats holds aggregate statistics from the database
type AggregateStats struct {
	TotalTasks     int
	SucceededTasks int
	FailedTasks    int
	TodayTasks     int
	AvgDurationMs  float64
}

// GetAggregateStats returns aggregate statistics over all task logs
func (db *DB) GetAggregateStats() (*AggregateStats, error) {
	stats := &AggregateStats{}

	err := db.conn.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(duration_ms), 0)
		FROM task_logs
	`).Scan(&stats.TotalTasks, &stats.SucceededTasks, &stats.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("query total stats: %w", err)
	}
	stats.FailedTasks = stats.TotalTasks - stats.SucceededTasks

	today := time.Now().UTC().Format(time.DateOnly)
	err = db.conn.QueryRow(`
		SELECT COUNT(*)
		FROM task_logs
		WHERE DATE(created_at) = ?
	`, today).Scan(&stats.TodayTasks)
	if err != nil {
		return nil, fmt.Errorf("query today stats: %w", err)
	}

	return stats, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
