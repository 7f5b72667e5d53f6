package livefeed

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write to a subscriber.
	writeWait = 10 * time.Second

	// pingPeriod is how often idle connections are probed; pongWait is how
	// long we tolerate silence before dropping the connection.
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second

	// readLimit caps inbound frames. Subscribers have nothing meaningful to
	// send; anything larger than this is abuse.
	readLimit = 4 << 10

	// sendBuffer is the per-client frame queue between the hub and the
	// writer pump.
	sendBuffer = 256
)

// client is one attached WebSocket subscriber. The hub enqueues frames on
// send; the writer pump drains it. queuedBytes tracks how far the pump is
// behind so the hub can drop subscribers that stop reading.
type client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	queuedBytes atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		id:   ulid.Make().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// close makes the pumps wind down. Safe to call from any goroutine, any
// number of times.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump owns all writes to the connection: queued frames, pings, and the
// final close frame. It exits when the client is closed or a write fails.
func (c *client) writePump(log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.queuedBytes.Add(int64(-len(frame)))
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn("subscriber write failed", zap.String("client_id", c.id), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// readPump discards everything the subscriber sends; its only job is to
// service pongs and notice the peer going away.
func (c *client) readPump(onClose func()) {
	defer func() {
		c.close()
		onClose()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
