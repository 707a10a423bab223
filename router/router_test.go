package router

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmsg/broker/metrics"
	"github.com/nexusmsg/broker/obslog"
	"github.com/nexusmsg/broker/registry"
	"github.com/nexusmsg/broker/subscription"
	"github.com/nexusmsg/broker/wire"
)

type fakeCM struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newFakeCM() *fakeCM {
	return &fakeCM{sent: make(map[string][][]byte)}
}

func (f *fakeCM) Send(serviceID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[serviceID] = append(f.sent[serviceID], frame)
	return nil
}

func (f *fakeCM) Close(string) error { return nil }

func (f *fakeCM) messages(serviceID string) []*wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*wire.Message
	for _, body := range f.sent[serviceID] {
		msg, berr := wire.Parse(body, 4096, 65536, wire.ParseHeaderOptions{MaxTimeoutMillis: 600000})
		if berr != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (f *fakeCM) count(serviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[serviceID])
}

func newTestRouter(t *testing.T, opts Options) (*Router, *subscription.Manager, *registry.Registry, *fakeCM) {
	t.Helper()
	subs := subscription.NewManager()
	m := metrics.NewRegistry(time.Minute)
	reg := registry.NewRegistry(subs, m, obslog.Noop{}, time.Hour, time.Hour)
	cm := newFakeCM()
	reg.SetConnectionManager(cm)

	if opts.MaxHeaderBytes == 0 {
		opts.MaxHeaderBytes = 4096
	}
	if opts.MaxPayloadBytes == 0 {
		opts.MaxPayloadBytes = 65536
	}
	if opts.DefaultRequestTimeout == 0 {
		opts.DefaultRequestTimeout = time.Second
	}
	if opts.MaxRequestTimeout == 0 {
		opts.MaxRequestTimeout = 10 * time.Second
	}

	rt := New(subs, reg, m, obslog.Noop{}, opts)
	rt.SetConnectionManager(cm)
	return rt, subs, reg, cm
}

func frame(t *testing.T, h wire.Header, payload any) []byte {
	t.Helper()
	f, err := wire.SerializeValue(h, payload)
	require.NoError(t, err)
	return f
}

func TestPublishFanOutS1(t *testing.T) {
	rt, subs, _, cm := newTestRouter(t, Options{MaxOutstanding: 10})
	subs.SubscribePublish("A", "baggage.events")
	subs.SubscribePublish("B", "baggage.events")

	h := wire.Header{Action: wire.ActionPublish, Topic: "baggage.events", Version: "1.0.0"}
	rt.Handle("C", frame(t, h, map[string]int{"n": 1}))

	assert.Equal(t, 1, cm.count("A"))
	assert.Equal(t, 1, cm.count("B"))
	assert.Equal(t, 0, cm.count("C"))
}

func TestPublishWithRequestIDS2(t *testing.T) {
	rt, subs, _, cm := newTestRouter(t, Options{MaxOutstanding: 10})
	subs.SubscribePublish("A", "baggage.events")

	r1 := uuid.New()
	h := wire.Header{Action: wire.ActionPublish, Topic: "baggage.events", Version: "1.0.0", RequestID: &r1}
	rt.Handle("C", frame(t, h, map[string]int{"n": 1}))

	assert.Equal(t, 1, cm.count("A"))
	require.Equal(t, 1, cm.count("C"))

	msgs := cm.messages("C")
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.ActionResponse, msgs[0].Header.Action)
	require.NotNil(t, msgs[0].Header.RequestID)
	assert.Equal(t, r1, *msgs[0].Header.RequestID)
}

func TestPublishNoSubscribersIsNoRoute(t *testing.T) {
	rt, _, _, cm := newTestRouter(t, Options{MaxOutstanding: 10})
	h := wire.Header{Action: wire.ActionPublish, Topic: "baggage.events", Version: "1.0.0"}
	rt.Handle("C", frame(t, h, map[string]int{"n": 1}))

	msgs := cm.messages("C")
	require.Len(t, msgs, 1)
	berr, parseErr := wire.ParseError(msgs[0])
	require.Nil(t, parseErr)
	assert.Equal(t, "NO_ROUTE_FOUND", string(berr.Kind))
}

func TestPriorityRequestRoutingS3(t *testing.T) {
	rt, subs, _, cm := newTestRouter(t, Options{MaxOutstanding: 10})
	subs.SubscribeRequest("A", "svc.echo", 1)
	subs.SubscribeRequest("B", "svc.echo", 2)
	subs.SubscribeRequest("C", "svc.echo", 2)

	q1 := uuid.New()
	h := wire.Header{Action: wire.ActionRequest, Topic: "svc.echo", Version: "1.0.0", RequestID: &q1}
	rt.Handle("client", frame(t, h, map[string]int{}))

	assert.Equal(t, 0, cm.count("A"))
	total := cm.count("B") + cm.count("C")
	assert.Equal(t, 1, total)

	var targetMsgs []*wire.Message
	if cm.count("B") == 1 {
		targetMsgs = cm.messages("B")
	} else {
		targetMsgs = cm.messages("C")
	}
	require.Len(t, targetMsgs, 1)
	assert.NotEqual(t, q1, *targetMsgs[0].Header.RequestID)
	require.NotNil(t, targetMsgs[0].Header.ParentRequestID)
	assert.Equal(t, q1, *targetMsgs[0].Header.ParentRequestID)
}

func TestRequestTimeoutS4(t *testing.T) {
	rt, subs, _, cm := newTestRouter(t, Options{MaxOutstanding: 10, DefaultRequestTimeout: time.Second})
	subs.SubscribeRequest("S", "slow", 1)

	q2 := uuid.New()
	timeout := 50
	h := wire.Header{Action: wire.ActionRequest, Topic: "slow", Version: "1.0.0", RequestID: &q2, Timeout: &timeout}
	rt.Handle("client", frame(t, h, map[string]int{}))

	require.Eventually(t, func() bool { return cm.count("client") == 1 }, time.Second, 5*time.Millisecond)

	msgs := cm.messages("client")
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].HasError)
	berr, parseErr := wire.ParseError(msgs[0])
	require.Nil(t, parseErr)
	assert.Equal(t, "TIMEOUT", string(berr.Kind))
	assert.Equal(t, q2, *msgs[0].Header.RequestID)
	assert.Equal(t, "S", berr.Details["targetServiceId"])
}

func TestBackpressureEvictionS5(t *testing.T) {
	rt, subs, _, cm := newTestRouter(t, Options{MaxOutstanding: 2, DefaultRequestTimeout: time.Hour})
	subs.SubscribeRequest("silent", "slow", 1)

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.New()
		h := wire.Header{Action: wire.ActionRequest, Topic: "slow", Version: "1.0.0", RequestID: &ids[i]}
		rt.Handle("origin", frame(t, h, map[string]int{}))
	}

	msgs := cm.messages("origin")
	require.Len(t, msgs, 1)
	berr, parseErr := wire.ParseError(msgs[0])
	require.Nil(t, parseErr)
	assert.Equal(t, "SERVICE_UNAVAILABLE", string(berr.Kind))
	assert.Equal(t, ids[0], *msgs[0].Header.RequestID)
}

func TestResponseCorrelationAndInvalidRequestID(t *testing.T) {
	rt, subs, _, cm := newTestRouter(t, Options{MaxOutstanding: 10})
	subs.SubscribeRequest("S", "svc.echo", 1)

	q1 := uuid.New()
	h := wire.Header{Action: wire.ActionRequest, Topic: "svc.echo", Version: "1.0.0", RequestID: &q1}
	rt.Handle("client", frame(t, h, map[string]int{}))

	fwd := cm.messages("S")
	require.Len(t, fwd, 1)
	targetReqID := *fwd[0].Header.RequestID

	respHeader := wire.Header{Action: wire.ActionResponse, Topic: "svc.echo", Version: "1.0.0", RequestID: &targetReqID}
	rt.Handle("S", frame(t, respHeader, map[string]string{"ok": "yes"}))

	clientMsgs := cm.messages("client")
	require.Len(t, clientMsgs, 1)
	assert.Equal(t, q1, *clientMsgs[0].Header.RequestID)

	badHeader := wire.Header{Action: wire.ActionResponse, Topic: "svc.echo", Version: "1.0.0", RequestID: &targetReqID}
	rt.Handle("S", frame(t, badHeader, map[string]string{"ok": "no"}))
	sMsgs := cm.messages("S")
	require.Len(t, sMsgs, 2)
	berr, parseErr := wire.ParseError(sMsgs[1])
	require.Nil(t, parseErr)
	assert.Equal(t, "INVALID_REQUEST_ID", string(berr.Kind))
}
