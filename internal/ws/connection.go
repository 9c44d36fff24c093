package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// socket is the part of *websocket.Conn the pumps use.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Connection is one websocket client. It satisfies presence.Conn.
type Connection struct {
	id   string
	ws   socket
	send chan []byte
	opts Options
	log  *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

func newConnection(id string, ws socket, opts Options, log *zap.SugaredLogger) *Connection {
	return &Connection{
		id:   id,
		ws:   ws,
		send: make(chan []byte, opts.SendBuffer),
		opts: opts,
		log:  log,
	}
}

func (c *Connection) ID() string { return c.id }

// Push queues an event without blocking. A full buffer drops the event.
func (c *Connection) Push(event string, payload any) bool {
	b, err := json.Marshal(outbound{Type: event, Payload: payload})
	if err != nil {
		c.log.Errorw("encode push", "conn", c.id, "event", event, "err", err)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		c.log.Warnw("send buffer full, dropping event", "conn", c.id, "event", event)
		return false
	}
}

// Close stops the write pump, which then sends a close frame. Safe to call
// more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump writes messages from send channel to websocket.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteDeadline))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debugw("write failed", "conn", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debugw("ping failed", "conn", c.id, "err", err)
				return
			}
		}
	}
}

// prepareRead applies the read limit and keeps the read deadline moving
// while pongs arrive.
func (c *Connection) prepareRead() {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	c.extendRead()
	c.ws.SetPongHandler(func(string) error {
		c.extendRead()
		return nil
	})
}

func (c *Connection) extendRead() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
}
