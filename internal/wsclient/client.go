// Package wsclient is the reconnecting WebSocket client used by worker nodes
// and aux clients to talk to the coordinator.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 4 << 20 // 4 MB
	sendBufferSize  = 256
	maxBackoffShift = 4

	DefaultRetryBase = 5 * time.Second
	DefaultRetryMax  = 60 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrBufferFull   = errors.New("send buffer full")
	ErrClosed       = errors.New("client closed")
)

// Handler receives connection lifecycle events and every frame other than
// auth:result. OnConnected fires only after the coordinator accepted the
// authenticate frame; OnDisconnected only for a link that got that far.
type Handler interface {
	OnConnected()
	OnDisconnected()
	OnMessage(ctx context.Context, f *model.Frame)
}

type state int

const (
	stateDown state = iota
	stateAuthenticating
	stateReady
)

// Option tunes a Client.
type Option func(*Client)

// WithBackoff sets the first retry delay and the cap it doubles towards.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.retryBase, c.retryMax = base, max
	}
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client keeps one logical connection to the coordinator alive until its
// context is cancelled or Close is called.
type Client struct {
	url       string
	hello     model.AuthPayload
	handler   Handler
	ctx       context.Context
	dialer    *websocket.Dialer
	retryBase time.Duration
	retryMax  time.Duration
	log       *zap.Logger

	mu     sync.Mutex
	cur    *link
	st     state
	retry  context.CancelFunc // stops a running retryLoop
	closed bool
}

// link is one physical connection. Its pumps tear it down exactly once.
type link struct {
	conn   *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		l.cancel()
		l.conn.Close()
	})
}

// New creates a client. Cancelling ctx stops all reconnection.
func New(ctx context.Context, url string, hello model.AuthPayload, handler Handler, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		url:       url,
		hello:     hello,
		handler:   handler,
		ctx:       ctx,
		dialer:    websocket.DefaultDialer,
		retryBase: DefaultRetryBase,
		retryMax:  DefaultRetryMax,
		log:       log.Named("ws"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the coordinator and sends the authenticate frame. If the
// dial fails the client keeps retrying in the background and the error is
// returned for logging.
func (c *Client) Connect() error {
	err := c.dial()
	if err != nil && !errors.Is(err, ErrClosed) {
		c.startRetry()
	}
	return err
}

// Reconnect drops the current link without notifying the handler and dials
// again.
func (c *Client) Reconnect() error {
	c.teardown()
	return c.Connect()
}

// Close drops the link for good. No reconnection is attempted afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.teardown()
	return nil
}

// Ready reports whether the link is up and authenticated.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateReady
}

// Send queues one event without blocking.
func (c *Client) Send(event model.MsgType, payload any) error {
	return c.SendWithID(event, "", payload)
}

// SendWithID queues an event carrying an ack id echoed by the reply.
func (c *Client) SendWithID(event model.MsgType, id string, payload any) error {
	data, err := json.Marshal(model.Envelope{Type: event, ID: id, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	c.mu.Lock()
	l := c.cur
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	select {
	case l.out <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ─────────────────────────────────────────────
// Link lifecycle
// ─────────────────────────────────────────────

func (c *Client) dial() error {
	conn, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	hello, err := json.Marshal(model.Envelope{Type: model.MsgTypeAuthenticate, Payload: c.hello})
	if err != nil {
		conn.Close()
		return fmt.Errorf("marshal authenticate: %w", err)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	l := &link{conn: conn, out: make(chan []byte, sendBufferSize), ctx: ctx, cancel: cancel}
	l.out <- hello

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.close()
		return ErrClosed
	}
	if c.retry != nil {
		c.retry()
		c.retry = nil
	}
	c.cur = l
	c.st = stateAuthenticating
	c.mu.Unlock()

	c.log.Info("connected", zap.String("url", c.url))
	go c.readPump(l)
	go c.writePump(l)
	return nil
}

// drop runs when either pump of l exits.
func (c *Client) drop(l *link) {
	l.close()

	c.mu.Lock()
	if c.cur != l {
		c.mu.Unlock()
		return
	}
	wasReady := c.st == stateReady
	c.cur = nil
	c.st = stateDown
	c.mu.Unlock()

	c.log.Info("disconnected")
	if wasReady {
		c.handler.OnDisconnected()
	}
	c.startRetry()
}

// teardown closes the current link and any retry loop. The pumps' drop
// becomes a no-op because the link is no longer current.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.retry != nil {
		c.retry()
		c.retry = nil
	}
	l := c.cur
	c.cur = nil
	c.st = stateDown
	c.mu.Unlock()

	if l != nil {
		l.close()
	}
}

func (c *Client) startRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.retry != nil || c.ctx.Err() != nil {
		return
	}
	var ctx context.Context
	ctx, c.retry = context.WithCancel(c.ctx)
	go c.retryLoop(ctx)
}

// backoff doubles from retryBase per failed attempt, capped at retryMax.
func (c *Client) backoff(attempt int) time.Duration {
	return min(c.retryBase<<min(attempt-1, maxBackoffShift), c.retryMax)
}

func (c *Client) retryLoop(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		delay := c.backoff(attempt)
		c.log.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", attempt))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		// dial cancels this loop's context on success.
		err := c.dial()
		if err == nil {
			c.log.Info("reconnected")
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.log.Warn("reconnect failed", zap.Error(err))
	}
}

// ─────────────────────────────────────────────
// Pumps
// ─────────────────────────────────────────────

func (c *Client) readPump(l *link) {
	defer c.drop(l)

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && l.ctx.Err() == nil {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}
		if !c.dispatch(l, data) {
			return
		}
	}
}

func (c *Client) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.drop(l)
	}()

	for {
		select {
		case data := <-l.out:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-l.ctx.Done():
			l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// dispatch returns false when the link must be dropped.
func (c *Client) dispatch(l *link, data []byte) bool {
	var f model.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warn("invalid message", zap.Error(err))
		return true
	}

	if f.Type != model.MsgTypeAuthResult {
		c.handler.OnMessage(l.ctx, &f)
		return true
	}

	var res model.AuthResult
	if err := json.Unmarshal(f.Payload, &res); err != nil || !res.Success {
		c.log.Error("authentication rejected", zap.String("message", res.Message), zap.Error(err))
		return false
	}

	c.mu.Lock()
	current := c.cur == l
	if current {
		c.st = stateReady
	}
	c.mu.Unlock()

	if current {
		c.log.Info("authenticated", zap.String("nodeId", c.hello.NodeID))
		c.handler.OnConnected()
	}
	return true
}
