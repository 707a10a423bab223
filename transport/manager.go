// Package transport adapts TCP/TLS streams and WebSocket connections to the
// broker core's addressed send/receive model. It owns connection accounting
// and per-connection read loops; framing, header parsing, and routing
// decisions stay in wire/router/registry.
package transport

import (
	"sync"

	"github.com/nexusmsg/broker/obslog"
)

// Conn is one accepted connection, already speaking whichever framing its
// kind requires.
type Conn interface {
	// WriteFrame writes one frame body (header line + payload, no length
	// prefix) to the peer, applying this connection kind's own framing.
	WriteFrame(frame []byte) error
	Close() error
}

// Dispatcher is the broker core's entry point for inbound frames and
// connection loss, implemented by router.Router.
type Dispatcher interface {
	Handle(serviceID string, frame []byte)
	CloseConnection(serviceID string)
}

// Registrar is notified of connection lifecycle, implemented by
// registry.Registry.
type Registrar interface {
	Connect(serviceID string)
	Unregister(serviceID string)
}

// Manager tracks every live connection by serviceId and satisfies both
// router.ConnectionManager and registry.ConnectionManager.
type Manager struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	logger obslog.Logger

	dispatcher Dispatcher
	registrar  Registrar
}

// NewManager constructs an empty connection manager. dispatcher and
// registrar are typically set once at broker construction time.
func NewManager(dispatcher Dispatcher, registrar Registrar, logger obslog.Logger) *Manager {
	if logger == nil {
		logger = obslog.Noop{}
	}
	return &Manager{
		conns:      make(map[string]Conn),
		logger:     logger,
		dispatcher: dispatcher,
		registrar:  registrar,
	}
}

// Accept registers a newly established connection under serviceID and starts
// its read loop in a new goroutine. pump is called to block on reads; it
// must call onFrame for every decoded frame and return when the connection
// is closed for any reason.
func (m *Manager) Accept(serviceID string, conn Conn, pump func(onFrame func([]byte))) {
	m.mu.Lock()
	m.conns[serviceID] = conn
	m.mu.Unlock()

	m.registrar.Connect(serviceID)

	go func() {
		pump(func(frame []byte) {
			m.dispatcher.Handle(serviceID, frame)
		})
		m.removeConnection(serviceID)
	}()
}

func (m *Manager) removeConnection(serviceID string) {
	m.mu.Lock()
	conn, ok := m.conns[serviceID]
	if ok {
		delete(m.conns, serviceID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.Close()
	m.dispatcher.CloseConnection(serviceID)
	m.registrar.Unregister(serviceID)
}

// Send writes frame (header + payload, no length prefix) to serviceID's
// connection, if still live.
func (m *Manager) Send(serviceID string, frame []byte) error {
	m.mu.RLock()
	conn, ok := m.conns[serviceID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return conn.WriteFrame(frame)
}

// Close forcibly disconnects serviceID, e.g. after a protocol violation.
func (m *Manager) Close(serviceID string) error {
	m.mu.RLock()
	conn, ok := m.conns[serviceID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// ActiveCount reports the number of live connections.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Shutdown closes every live connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]Conn, 0, len(m.conns))
	for id, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, id)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
