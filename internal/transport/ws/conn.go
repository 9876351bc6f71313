// Package ws exposes the runtime over WebSocket: an echo HTTP server
// with the upgrade route plus read-only health and land listings, and a
// per-connection write pump feeding gorilla sockets.
package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSendQueueFull is returned when a connection cannot keep up and its
// outbox overflows.
var ErrSendQueueFull = errors.New("send queue full")

// errConnClosed is returned by Send after the connection shut down.
var errConnClosed = errors.New("connection closed")

// conn adapts one websocket to transport.Connection. Sends go through a
// buffered outbox drained by a single pump goroutine, so callers never
// block on the peer and the socket sees one writer.
type conn struct {
	ws           *websocket.Conn
	out          chan []byte
	quit         chan struct{}
	messageType  int
	writeTimeout time.Duration
	log          *slog.Logger
	closeOnce    sync.Once
}

func newConn(ws *websocket.Conn, queueSize int, writeTimeout time.Duration, binary bool, log *slog.Logger) *conn {
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	c := &conn{
		ws:           ws,
		out:          make(chan []byte, queueSize),
		quit:         make(chan struct{}),
		messageType:  messageType,
		writeTimeout: writeTimeout,
		log:          log,
	}
	go c.writePump()
	return c
}

// Send queues one frame. A full outbox fails fast instead of stalling
// the land's fan-out on a slow peer.
func (c *conn) Send(data []byte) error {
	select {
	case <-c.quit:
		return errConnClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.quit:
		return errConnClosed
	default:
		return ErrSendQueueFull
	}
}

// Close shuts the connection down. Queued frames are dropped.
func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	return c.ws.Close()
}

func (c *conn) writePump() {
	for {
		select {
		case data := <-c.out:
			if c.writeTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.ws.WriteMessage(c.messageType, data); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				_ = c.Close()
				return
			}
		case <-c.quit:
			return
		}
	}
}
