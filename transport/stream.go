package transport

import (
	"net"
	"sync"

	"github.com/nexusmsg/broker/wire"
)

// streamConn adapts a net.Conn (TCP or TLS; both implement net.Conn
// identically from here) to Conn, applying the length-prefixed framing.
type streamConn struct {
	mu sync.Mutex
	nc net.Conn
}

// NewStreamConn wraps an already-accepted net.Conn. TLS setup and the accept
// loop itself are the caller's responsibility.
func NewStreamConn(nc net.Conn) Conn {
	return &streamConn{nc: nc}
}

func (s *streamConn) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.nc.Write(wire.EncodeFrame(frame))
	return err
}

func (s *streamConn) Close() error {
	return s.nc.Close()
}

// StreamReadLoop decodes length-prefixed frames off nc until the connection
// errors, is closed, or a frame exceeds maxPayload+maxHeader. It is the pump
// passed to Manager.Accept for TCP/TLS connections.
func StreamReadLoop(nc net.Conn, maxPayload, maxHeader int) func(onFrame func([]byte)) {
	return func(onFrame func([]byte)) {
		decoder := wire.NewFrameDecoder(maxPayload, maxHeader)
		buf := make([]byte, 32*1024)
		for {
			n, err := nc.Read(buf)
			if n > 0 {
				decoder.Feed(buf[:n])
				for {
					frame, berr, ok := decoder.Next()
					if berr != nil {
						return
					}
					if !ok {
						break
					}
					onFrame(frame)
				}
			}
			if err != nil {
				return
			}
		}
	}
}
