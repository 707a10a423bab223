package broker

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmsg/broker/wire"
)

func newTestBroker() *Broker {
	return New(
		WithHeartbeatTimeouts(time.Hour, time.Hour),
		WithRequestTimeouts(time.Second, 10*time.Second),
		WithMaxOutstanding(100),
	)
}

func dial(t *testing.T, b *Broker, serviceID string) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	b.AcceptStream(serviceID, server)
	return client
}

func readFrame(t *testing.T, c net.Conn) *wire.Message {
	t.Helper()
	decoder := wire.NewFrameDecoder(1<<20, 4096)
	buf := make([]byte, 4096)
	c.SetReadDeadline(time.Now().Add(time.Second))
	for {
		n, err := c.Read(buf)
		require.NoError(t, err)
		decoder.Feed(buf[:n])
		frame, berr, ok := decoder.Next()
		require.Nil(t, berr)
		if ok {
			msg, perr := wire.Parse(frame, 1<<20, 4096, wire.ParseHeaderOptions{MaxTimeoutMillis: 600000})
			require.Nil(t, perr)
			return msg
		}
	}
}

func writeFrame(t *testing.T, c net.Conn, h wire.Header, payload any) {
	t.Helper()
	body, err := wire.SerializeValue(h, payload)
	require.NoError(t, err)
	_, err = c.Write(wire.EncodeFrame(body))
	require.NoError(t, err)
}

func TestEndToEndPublishFanOut(t *testing.T) {
	b := newTestBroker()
	defer b.Shutdown()

	sub := dial(t, b, "subscriber")
	defer sub.Close()
	pub := dial(t, b, "publisher")
	defer pub.Close()

	registerID := uuid.New()
	writeFrame(t, sub, wire.Header{Action: wire.ActionRequest, Topic: "system.topic.subscribe", Version: "1.0.0", RequestID: &registerID},
		map[string]any{"topic": "orders.created", "action": "publish"})
	ack := readFrame(t, sub)
	assert.Equal(t, wire.ActionResponse, ack.Header.Action)
	assert.False(t, ack.HasError)

	writeFrame(t, pub, wire.Header{Action: wire.ActionPublish, Topic: "orders.created", Version: "1.0.0"}, map[string]string{"id": "o-1"})

	got := readFrame(t, sub)
	assert.Equal(t, wire.ActionPublish, got.Header.Action)
	assert.Equal(t, "orders.created", got.Header.Topic)

	payload, berr := wire.ParsePayload[map[string]string](got)
	require.Nil(t, berr)
	assert.Equal(t, "o-1", payload["id"])
}

func TestEndToEndRequestResponse(t *testing.T) {
	b := newTestBroker()
	defer b.Shutdown()

	worker := dial(t, b, "worker")
	defer worker.Close()
	client := dial(t, b, "client")
	defer client.Close()

	subID := uuid.New()
	writeFrame(t, worker, wire.Header{Action: wire.ActionRequest, Topic: "system.topic.subscribe", Version: "1.0.0", RequestID: &subID},
		map[string]any{"topic": "svc.echo", "action": "request", "priority": 1})
	readFrame(t, worker)

	reqID := uuid.New()
	writeFrame(t, client, wire.Header{Action: wire.ActionRequest, Topic: "svc.echo", Version: "1.0.0", RequestID: &reqID}, map[string]string{"ping": "1"})

	fwd := readFrame(t, worker)
	assert.Equal(t, wire.ActionRequest, fwd.Header.Action)
	require.NotNil(t, fwd.Header.RequestID)
	require.NotNil(t, fwd.Header.ParentRequestID)
	assert.Equal(t, reqID, *fwd.Header.ParentRequestID)

	writeFrame(t, worker, wire.Header{Action: wire.ActionResponse, Topic: "svc.echo", Version: "1.0.0", RequestID: fwd.Header.RequestID}, map[string]string{"pong": "1"})

	resp := readFrame(t, client)
	assert.Equal(t, wire.ActionResponse, resp.Header.Action)
	require.NotNil(t, resp.Header.RequestID)
	assert.Equal(t, reqID, *resp.Header.RequestID)
}

func TestSystemLogFanoutReachesSubscriber(t *testing.T) {
	b := New(WithHeartbeatTimeouts(time.Hour, 15*time.Millisecond))
	defer b.Shutdown()

	observer := dial(t, b, "observer")
	defer observer.Close()
	victim := dial(t, b, "victim")
	defer victim.Close()

	subID := uuid.New()
	writeFrame(t, observer, wire.Header{Action: wire.ActionRequest, Topic: "system.log.subscribe", Version: "1.0.0", RequestID: &subID},
		map[string]any{"levels": []string{"warn"}})
	ack := readFrame(t, observer)
	assert.Equal(t, wire.ActionResponse, ack.Header.Action)
	assert.False(t, ack.HasError)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				id := uuid.New()
				_ = writeFrameNoFatal(observer, wire.Header{Action: wire.ActionRequest, Topic: "system.heartbeat", Version: "1.0.0", RequestID: &id}, map[string]any{})
			}
		}
	}()

	var logMsg *wire.Message
	for i := 0; i < 50 && logMsg == nil; i++ {
		msg := readFrame(t, observer)
		if msg.Header.Topic == "system.log" {
			logMsg = msg
		}
	}
	require.NotNil(t, logMsg, "expected a system.log fanout frame before giving up")

	payload, berr := wire.ParsePayload[map[string]any](logMsg)
	require.Nil(t, berr)
	assert.Equal(t, "warn", payload["level"])
}

func writeFrameNoFatal(c net.Conn, h wire.Header, payload any) error {
	body, err := wire.SerializeValue(h, payload)
	if err != nil {
		return err
	}
	_, err = c.Write(wire.EncodeFrame(body))
	return err
}

func TestEndToEndHeartbeatKeepsServiceRegistered(t *testing.T) {
	b := New(WithHeartbeatTimeouts(30*time.Millisecond, 24*time.Hour))
	defer b.Shutdown()

	conn := dial(t, b, "svc-hb")
	defer conn.Close()

	probe := readFrame(t, conn)
	assert.Equal(t, "system.heartbeat", probe.Header.Topic)

	_, ok := b.Registry.Get("svc-hb")
	assert.True(t, ok)
}
