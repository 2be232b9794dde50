package server

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
	"github.com/dermesser/rtrpc/rpc"
)

const (
	// Time allowed to write a frame.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the client.
	pongDelay = 90 * time.Second
	// Send pings at this interval. Must be less than pongDelay.
	pingPeriod = (pongDelay * 9) / 10
	// Largest frame accepted from a client.
	maxFrameSize = 1 << 20
)

// Conn is a client connected over a websocket. Outbound messages are queued and
// written by a separate goroutine, so Send never blocks.
type Conn struct {
	id string
	ws *websocket.Conn

	out  chan string
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

var _ rpc.Connection = (*Conn)(nil)

func newConn(ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		out:  make(chan string, buffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) Identity() string {
	return c.id
}

// Send queues raw. If the client doesn't keep up and the queue is full, the
// connection is closed.
func (c *Conn) Send(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.out <- raw:
	default:
		log.Log(log.LOGLEVEL_WARNINGS, "Send buffer of", c.id, "full, closing connection")
		go c.Close()
	}
}

func (c *Conn) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		go f()
		return
	}
	c.onClose = append(c.onClose, f)
}

// Close closes the websocket and runs the OnClose callbacks. It is safe to call
// more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	callbacks := c.onClose
	c.onClose = nil
	close(c.done)
	c.mu.Unlock()

	err := c.ws.Close()
	for _, f := range callbacks {
		f()
	}
	return err
}

// readLoop distributes incoming frames until the client goes away.
func (c *Conn) readLoop(d *Distributor) {
	defer c.Close()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongDelay))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongDelay))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Log(log.LOGLEVEL_WARNINGS, "Read error on", c.id+":", err.Error())
			} else {
				log.Log(log.LOGLEVEL_DEBUG, "Connection", c.id, "closed:", err.Error())
			}
			return
		}
		d.Distribute(c, string(data))
	}
}

// writeLoop writes queued messages, several per frame if they pile up, and
// pings the client.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				// Expected if the other end went away.
				log.Log(log.LOGLEVEL_DEBUG, "Failed to write ping to", c.id+":", err.Error())
				return
			}
		case raw := <-c.out:
			batch := []string{raw}
			for len(c.out) > 0 {
				batch = append(batch, <-c.out)
			}

			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(strings.Join(batch, message.MessageSeparator))); err != nil {
				log.Log(log.LOGLEVEL_WARNINGS, "Write error on", c.id+":", err.Error())
				return
			}
		}
	}
}
