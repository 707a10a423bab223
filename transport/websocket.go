package transport

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to Conn. One WebSocket message is one
// frame; there is no length prefix on this path.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

// NewWebSocketConn wraps an already-upgraded *websocket.Conn. The upgrade
// handshake itself is out of scope here.
func NewWebSocketConn(c *websocket.Conn) Conn {
	return &wsConn{c: c}
}

func (w *wsConn) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

// WebSocketReadLoop reads whole messages off c, each one a complete frame,
// until the connection errors or closes. It is the pump passed to
// Manager.Accept for WebSocket connections.
func WebSocketReadLoop(c *websocket.Conn, maxFrameBytes int) func(onFrame func([]byte)) {
	return func(onFrame func([]byte)) {
		c.SetReadLimit(int64(maxFrameBytes))
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			onFrame(data)
		}
	}
}
