package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmsg/broker/obslog"
	"github.com/nexusmsg/broker/wire"
)

type fakeDispatcher struct {
	frames  chan []byte
	closed  chan string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{frames: make(chan []byte, 16), closed: make(chan string, 16)}
}

func (f *fakeDispatcher) Handle(serviceID string, frame []byte) { f.frames <- frame }
func (f *fakeDispatcher) CloseConnection(serviceID string)      { f.closed <- serviceID }

type fakeRegistrar struct {
	connected    chan string
	unregistered chan string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{connected: make(chan string, 16), unregistered: make(chan string, 16)}
}

func (f *fakeRegistrar) Connect(serviceID string)    { f.connected <- serviceID }
func (f *fakeRegistrar) Unregister(serviceID string) { f.unregistered <- serviceID }

func TestStreamRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	dispatcher := newFakeDispatcher()
	registrar := newFakeRegistrar()
	m := NewManager(dispatcher, registrar, obslog.Noop{})

	conn := NewStreamConn(server)
	m.Accept("svc-a", conn, StreamReadLoop(server, 65536, 4096))

	select {
	case id := <-registrar.connected:
		assert.Equal(t, "svc-a", id)
	case <-time.After(time.Second):
		t.Fatal("Connect was not called")
	}

	h := wire.Header{Action: wire.ActionPublish, Topic: "a.b", Version: "1.0.0"}
	body, err := wire.SerializeValue(h, map[string]int{"n": 1})
	require.NoError(t, err)

	go func() {
		_, _ = client.Write(wire.EncodeFrame(body))
	}()

	select {
	case frame := <-dispatcher.frames:
		assert.Equal(t, body, frame)
	case <-time.After(time.Second):
		t.Fatal("frame was not dispatched")
	}
}

func TestManagerSendWritesFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	dispatcher := newFakeDispatcher()
	registrar := newFakeRegistrar()
	m := NewManager(dispatcher, registrar, obslog.Noop{})

	conn := NewStreamConn(server)
	m.Accept("svc-a", conn, func(func([]byte)) { <-make(chan struct{}) })
	<-registrar.connected

	go func() { _ = m.Send("svc-a", []byte("publish:a.b:1.0.0\n{}")) }()

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Greater(t, n, 4)
}

func TestManagerCloseNotifiesDispatcherAndRegistrar(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	dispatcher := newFakeDispatcher()
	registrar := newFakeRegistrar()
	m := NewManager(dispatcher, registrar, obslog.Noop{})

	conn := NewStreamConn(server)
	m.Accept("svc-a", conn, StreamReadLoop(server, 65536, 4096))
	<-registrar.connected

	client.Close()

	select {
	case id := <-dispatcher.closed:
		assert.Equal(t, "svc-a", id)
	case <-time.After(time.Second):
		t.Fatal("CloseConnection was not called")
	}
	select {
	case id := <-registrar.unregistered:
		assert.Equal(t, "svc-a", id)
	case <-time.After(time.Second):
		t.Fatal("Unregister was not called")
	}
	assert.Equal(t, 0, m.ActiveCount())
}

func TestSendToUnknownServiceIsNoop(t *testing.T) {
	m := NewManager(newFakeDispatcher(), newFakeRegistrar(), obslog.Noop{})
	assert.NoError(t, m.Send("ghost", []byte("x")))
}
