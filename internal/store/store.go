// Package store keeps a write-only audit trail of dispatched and finished
// tasks in PostgreSQL. Nothing is ever read back into orchestration state.
package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

// queueSize bounds buffered writes; beyond it records are dropped.
const queueSize = 1024

type TaskStatus string

const (
	StatusDispatched TaskStatus = "dispatched"
	StatusSucceeded  TaskStatus = "succeeded"
	StatusFailed     TaskStatus = "failed"
)

// TaskRecord is one row per task id.
type TaskRecord struct {
	ID           uint       `gorm:"primaryKey"`
	TaskID       string     `gorm:"uniqueIndex;size:64;not null"`
	SourceNodeID string     `gorm:"index;size:255"`
	TargetNodeID string     `gorm:"index;size:255"`
	Type         string     `gorm:"size:32"`
	Status       TaskStatus `gorm:"index;size:16"`
	ErrorCode    string     `gorm:"size:32"`
	ErrorMessage string     `gorm:"type:text"`
	SessionID    string     `gorm:"size:64"`
	TimeoutMs    int64
	DurationMs   int64
	CreatedAt    time.Time
	FinishedAt   *time.Time
}

// Store provides SQL persistence via GORM (async writes). It implements
// router.Recorder.
type Store struct {
	db    *gorm.DB
	write func(context.Context, *TaskRecord) error
	log   *zap.Logger

	mu     sync.RWMutex
	closed bool
	logCh  chan *TaskRecord
	done   chan struct{}
}

// NewStore opens the database, auto-migrates the schema and starts the
// background writer.
func NewStore(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return nil, err
	}

	s := newStore(nil, log)
	s.db = db
	s.write = s.upsert
	return s, nil
}

func newStore(write func(context.Context, *TaskRecord) error, log *zap.Logger) *Store {
	s := &Store{
		write: write,
		log:   log.Named("store"),
		logCh: make(chan *TaskRecord, queueSize),
		done:  make(chan struct{}),
	}
	go s.writeWorker()
	return s
}

func (s *Store) writeWorker() {
	defer close(s.done)
	for rec := range s.logCh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.write(ctx, rec); err != nil {
			s.log.Error("write task record failed", zap.String("taskId", rec.TaskID), zap.Error(err))
		}
		cancel()
	}
}

// upsert inserts the record or, for a task already seen, overwrites its
// outcome columns.
func (s *Store) upsert(ctx context.Context, rec *TaskRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "error_code", "error_message", "session_id", "duration_ms", "finished_at"}),
	}).Create(rec).Error
}

func (s *Store) enqueue(rec *TaskRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.logCh <- rec:
	default:
		s.log.Warn("write queue full, dropping task record", zap.String("taskId", rec.TaskID))
	}
}

// Close drains queued writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.logCh)
	s.mu.Unlock()

	<-s.done
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ─────────────────────────────────────────────
// router.Recorder
// ─────────────────────────────────────────────

// TaskDispatched records a task that became pending.
func (s *Store) TaskDispatched(req *model.TaskRequest) {
	s.enqueue(dispatchedRecord(req))
}

// TaskFinished records a terminal result, including synchronous rejections
// that never became pending.
func (s *Store) TaskFinished(req *model.TaskRequest, res *model.TaskResult) {
	s.enqueue(finishedRecord(req, res))
}

func dispatchedRecord(req *model.TaskRequest) *TaskRecord {
	return &TaskRecord{
		TaskID:       req.TaskID,
		SourceNodeID: req.SourceNodeID,
		TargetNodeID: req.TargetNodeID,
		Type:         string(req.Type),
		Status:       StatusDispatched,
		TimeoutMs:    req.TimeoutMs,
		CreatedAt:    req.CreatedAt,
	}
}

func finishedRecord(req *model.TaskRequest, res *model.TaskResult) *TaskRecord {
	rec := dispatchedRecord(req)
	rec.Status = StatusSucceeded
	if !res.Success {
		rec.Status = StatusFailed
	}
	if res.Error != nil {
		rec.ErrorCode = string(res.Error.Code)
		rec.ErrorMessage = res.Error.Message
	}
	rec.SessionID = res.SessionID
	rec.DurationMs = res.DurationMs
	finished := res.CompletedAt
	rec.FinishedAt = &finished
	return rec
}
