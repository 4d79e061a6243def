package ws

import (
	"sync"

	"github.com/dkeye/sketchsync/internal/core"
	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/gorilla/websocket"
)

// WsConn is the outbound half of a client socket. Frames are queued on a
// bounded channel drained by writePump; a full queue is reported, never
// waited on.
type WsConn struct {
	conn *websocket.Conn
	send chan core.Frame
	id   domain.ConnID

	mu     sync.RWMutex
	closed bool
}

func newWsConn(conn *websocket.Conn, buffer int) *WsConn {
	return &WsConn{conn: conn, send: make(chan core.Frame, buffer)}
}

func (c *WsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. writePump flushes what is queued, then
// closes the socket.
func (c *WsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
