package routes

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = 2 * pingPeriod
	maxClientFrame = 16 << 10
)

var errConnClosed = errors.New("connection closed")

// conn wraps a browser websocket. Writes go through a buffered channel
// drained by a single write loop, which also sends pings.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:     ws,
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *conn) start() {
	go c.writeLoop()
}

// sendJSON queues v. A client that falls a full buffer behind is dropped.
func (c *conn) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		c.close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *conn) done() <-chan struct{} {
	return c.closed
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
