package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 << 20 // 4 MB

	// Send buffer size
	sendBufSize = 256
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClosed         = errors.New("connection closed")
)

// Client is one WebSocket connection on the coordinator: a worker, an aux
// client or an observer. Sends never block; a full buffer drops the frame.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *zap.Logger
}

func newClient(conn *websocket.Conn, log *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
		log:  log.With(zap.String("connId", id)),
	}
}

// ID is the connection id assigned on upgrade.
func (c *Client) ID() string { return c.id }

// Send queues a frame without an ack id.
func (c *Client) Send(event model.MsgType, payload any) error {
	return c.SendWithID(event, "", payload)
}

// SendWithID queues a frame echoing a request's ack id.
func (c *Client) SendWithID(event model.MsgType, id string, payload any) error {
	data, err := json.Marshal(model.Envelope{Type: event, ID: id, Payload: payload})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.log.Warn("send buffer full, dropping", zap.String("type", string(event)))
		return ErrSendBufferFull
	}
}

// Close flushes queued frames, sends a close frame and tears down the
// connection. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// run starts the write pump and blocks in the read pump until the
// connection ends. handle is called sequentially for every frame.
func (c *Client) run(handle func(*model.Frame)) {
	go c.writePump()
	c.readPump(handle)
	c.Close()
}

// ─────────────────────────────────────────────
// Read pump: Peer → Coordinator
// ─────────────────────────────────────────────

func (c *Client) readPump(handle func(*model.Frame)) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}

		var f model.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.log.Warn("invalid frame", zap.Error(err))
			_ = c.Send(model.MsgTypeError, model.ErrorMessage{Message: "invalid frame: " + err.Error()})
			continue
		}
		handle(&f)
	}
}

// ─────────────────────────────────────────────
// Write pump: Coordinator → Peer
// ─────────────────────────────────────────────

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}

		case <-c.done:
			// Flush what is already queued so a final frame (e.g. a
			// rejected auth:result) reaches the peer.
			for n := len(c.send); n > 0; n-- {
				if err := c.write(<-c.send); err != nil {
					return
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// write sends one frame per WebSocket message; peers decode each message as
// a single JSON document.
func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}
