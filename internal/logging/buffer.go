package logging

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"

	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/observer"
)

const (
	DefaultBufferSize = 1000
	defaultQueryLimit = 100
	defaultSource     = "coordinator"
)

// Buffer keeps the most recent log entries in a fixed ring and forwards each
// one to observers as dashboard:log. It plugs into zap as an extra core.
//
// Entries below info are never buffered, so observer transports may log
// their own drops at debug without feeding back into the buffer.
type Buffer struct {
	mu      sync.Mutex
	ring    []model.LogEntry
	next    int
	full    bool
	sink    observer.Broadcaster
	enabler zapcore.LevelEnabler
}

func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{
		ring:    make([]model.LogEntry, size),
		sink:    observer.Nop{},
		enabler: zapcore.InfoLevel,
	}
}

// SetBroadcaster installs the observer fan-out. Entries written before this
// call are buffered but not broadcast.
func (b *Buffer) SetBroadcaster(sink observer.Broadcaster) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
}

// Core returns the zapcore.Core feeding this buffer.
func (b *Buffer) Core() zapcore.Core {
	return &bufferCore{buf: b}
}

// Add appends an entry, evicting the oldest when full.
func (b *Buffer) Add(e model.LogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	b.mu.Lock()
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	sink := b.sink
	b.mu.Unlock()

	sink.Broadcast(model.MsgTypeDashboardLog, e)
}

// snapshot returns the buffered entries oldest first.
func (b *Buffer) snapshot() []model.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		return append([]model.LogEntry(nil), b.ring[:b.next]...)
	}
	out := make([]model.LogEntry, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	return append(out, b.ring[:b.next]...)
}

// Query filters the buffered entries.
type Query struct {
	Level  model.LogLevel
	Source string
	Search string
	Limit  int
}

// Query returns the newest matching entries, oldest first.
func (b *Buffer) Query(q Query) []model.LogEntry {
	search := strings.ToLower(q.Search)
	var out []model.LogEntry
	for _, e := range b.snapshot() {
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		if q.Source != "" && e.Source != q.Source {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(e.Event), search) &&
			!strings.Contains(strings.ToLower(e.Details), search) &&
			!strings.Contains(strings.ToLower(e.TaskID), search) {
			continue
		}
		out = append(out, e)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Counts returns the number of buffered error and warn entries.
func (b *Buffer) Counts() (errors, warns int) {
	for _, e := range b.snapshot() {
		switch e.Level {
		case model.LogLevelError:
			errors++
		case model.LogLevelWarn:
			warns++
		}
	}
	return errors, warns
}

// ─────────────────────────────────────────────
// zapcore.Core adapter
// ─────────────────────────────────────────────

type bufferCore struct {
	buf    *Buffer
	fields []zapcore.Field
}

func (c *bufferCore) Enabled(lvl zapcore.Level) bool {
	return c.buf.enabler.Enabled(lvl)
}

func (c *bufferCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &bufferCore{buf: c.buf, fields: merged}
}

func (c *bufferCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bufferCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	e := model.LogEntry{
		Timestamp: ent.Time.UTC().Format(time.RFC3339Nano),
		Level:     levelOf(ent.Level),
		Source:    ent.LoggerName,
		Event:     ent.Message,
	}
	if e.Source == "" {
		e.Source = defaultSource
	}
	if v, ok := enc.Fields["taskId"].(string); ok {
		e.TaskID = v
		delete(enc.Fields, "taskId")
	}
	e.Details = details(enc.Fields)

	c.buf.Add(e)
	return nil
}

func (c *bufferCore) Sync() error { return nil }

func levelOf(l zapcore.Level) model.LogLevel {
	switch {
	case l >= zapcore.ErrorLevel:
		return model.LogLevelError
	case l == zapcore.WarnLevel:
		return model.LogLevelWarn
	case l == zapcore.InfoLevel:
		return model.LogLevelInfo
	default:
		return model.LogLevelDebug
	}
}

// details renders the "error" field first, then the rest as key=value.
func details(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	if v, ok := fields["error"]; ok {
		parts = append(parts, fmt.Sprint(v))
		delete(fields, "error")
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
