package observer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

const (
	mirrorBufSize      = 1024
	mirrorPublishWait  = 2 * time.Second
	DefaultMirrorTopic = "subagent:events"
)

type publishFunc func(ctx context.Context, channel string, data []byte) error

// RedisMirror republishes observer events on a Redis pub/sub channel so
// external tooling can follow the fleet without a WebSocket session.
// Publishing happens on a single worker goroutine fed by a buffered channel.
type RedisMirror struct {
	publish publishFunc
	channel string
	log     *zap.Logger
	ch      chan []byte
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewRedisMirror(rdb *redis.Client, channel string, log *zap.Logger) *RedisMirror {
	return newRedisMirror(func(ctx context.Context, channel string, data []byte) error {
		return rdb.Publish(ctx, channel, data).Err()
	}, channel, mirrorBufSize, log)
}

func newRedisMirror(publish publishFunc, channel string, size int, log *zap.Logger) *RedisMirror {
	if channel == "" {
		channel = DefaultMirrorTopic
	}
	m := &RedisMirror{
		publish: publish,
		channel: channel,
		log:     log.Named("redis-mirror"),
		ch:      make(chan []byte, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.publishWorker()
	return m
}

func (m *RedisMirror) Broadcast(event model.MsgType, payload any) {
	data, err := json.Marshal(model.Envelope{Type: event, Payload: payload})
	if err != nil {
		m.log.Warn("marshal event", zap.String("event", string(event)), zap.Error(err))
		return
	}
	select {
	case <-m.quit:
		return
	default:
	}
	select {
	case m.ch <- data:
	default:
		// Dropped; the mirror is best effort.
	}
}

// Close stops the publish worker after flushing what is already buffered,
// bounded by one publish timeout. Close is idempotent.
func (m *RedisMirror) Close() {
	m.once.Do(func() { close(m.quit) })
	<-m.done
}

func (m *RedisMirror) publishWorker() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			m.flush()
			return
		case data := <-m.ch:
			ctx, cancel := context.WithTimeout(context.Background(), mirrorPublishWait)
			m.send(ctx, data)
			cancel()
		}
	}
}

func (m *RedisMirror) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorPublishWait)
	defer cancel()
	for {
		select {
		case data := <-m.ch:
			if ctx.Err() != nil {
				continue
			}
			m.send(ctx, data)
		default:
			return
		}
	}
}

func (m *RedisMirror) send(ctx context.Context, data []byte) {
	if err := m.publish(ctx, m.channel, data); err != nil {
		m.log.Debug("publish failed", zap.Error(err))
	}
}
