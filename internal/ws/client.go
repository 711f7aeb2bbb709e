package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// ErrSlowClient is returned when a subscriber's outbound queue is full.
var ErrSlowClient = errors.New("ws: client not keeping up")

// Client represents a websocket client connection. Sends are queued and
// written by a dedicated goroutine so a stalled peer never blocks the hub.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient constructs a client wrapper and starts its write pump. queueSize
// bounds how far a slow reader may fall behind before it is disconnected.
func NewClient(conn *websocket.Conn, queueSize int, logger *slog.Logger) *Client {
	if queueSize <= 0 {
		queueSize = 64
	}
	c := &Client{
		conn: conn,
		log:  logger,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send enqueues a message for delivery. It never blocks: a full queue means
// the peer is too slow and the client reports ErrSlowClient so the hub can
// drop it.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return errors.New("ws: client closed")
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("websocket client queue full, dropping client")
		return ErrSlowClient
	}
}

// Close terminates the connection and stops the write pump.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Wait blocks until the client is closed.
func (c *Client) Wait() {
	<-c.done
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ReadLoop consumes and discards inbound frames until the peer disconnects,
// then closes the client. Observers are read-only; the loop exists to notice
// the close handshake.
func (c *Client) ReadLoop() {
	defer c.Close()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
