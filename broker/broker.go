// Package broker wires the subscription index, service registry, router,
// metrics registry, and transport manager into one runnable message broker.
// It owns construction order and shutdown sequencing; every piece of actual
// routing/registration/liveness logic lives in its own package.
package broker

import (
	"net"

	"github.com/gorilla/websocket"

	"github.com/nexusmsg/broker/metrics"
	"github.com/nexusmsg/broker/obslog"
	"github.com/nexusmsg/broker/registry"
	"github.com/nexusmsg/broker/router"
	"github.com/nexusmsg/broker/subscription"
	"github.com/nexusmsg/broker/transport"
	"github.com/nexusmsg/broker/wire"
)

// Broker is the assembled broker core: a subscription index, service
// registry, router, metrics registry, and connection manager wired together
// and ready to accept connections.
type Broker struct {
	opts Options

	Subscriptions *subscription.Manager
	Metrics       *metrics.Registry
	Registry      *registry.Registry
	Router        *router.Router
	Transport     *transport.Manager
}

// New assembles a Broker. Construction order breaks the natural dependency
// cycle between the router/registry (which need to send frames) and the
// transport manager (which needs a dispatcher and registrar to hand
// connections to): the router and registry are built first against a nil
// connection manager, the transport manager is built against them, and then
// SetConnectionManager wires the back-pointer on each side.
func New(opts ...Option) *Broker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	stream := obslog.NewStream(o.Logger)

	subs := subscription.NewManager()
	m := metrics.NewRegistry(o.RateWindow)
	reg := registry.NewRegistry(subs, m, stream, o.HeartbeatRetryTimeout, o.HeartbeatDeregisterTimeout)

	rt := router.New(subs, reg, m, stream, router.Options{
		DefaultRequestTimeout: o.DefaultRequestTimeout,
		MaxRequestTimeout:     o.MaxRequestTimeout,
		MaxOutstanding:        o.MaxOutstanding,
		MaxHeaderBytes:        o.MaxHeaderBytes,
		MaxPayloadBytes:       o.MaxPayloadBytes,
	})

	tm := transport.NewManager(rt, reg, stream)

	reg.SetConnectionManager(tm)
	rt.SetConnectionManager(tm)

	reg.AttachLogStream(stream)

	return &Broker{
		opts:          o,
		Subscriptions: subs,
		Metrics:       m,
		Registry:      reg,
		Router:        rt,
		Transport:     tm,
	}
}

// AcceptStream registers an already-accepted TCP or TLS connection under
// serviceID and starts reading length-prefixed frames from it. Dialing,
// listening, and TLS handshaking are the caller's responsibility.
func (b *Broker) AcceptStream(serviceID string, nc net.Conn) {
	conn := transport.NewStreamConn(nc)
	b.Transport.Accept(serviceID, conn, transport.StreamReadLoop(nc, b.opts.MaxPayloadBytes, b.opts.MaxHeaderBytes))
}

// AcceptWebSocket registers an already-upgraded WebSocket connection under
// serviceID and starts reading frames from it. The upgrade handshake itself
// is the caller's responsibility.
func (b *Broker) AcceptWebSocket(serviceID string, c *websocket.Conn) {
	conn := transport.NewWebSocketConn(c)
	b.Transport.Accept(serviceID, conn, transport.WebSocketReadLoop(c, wire.MaxWebSocketFrameSize(b.opts.MaxPayloadBytes, b.opts.MaxHeaderBytes)))
}

// Shutdown tears the broker down in the documented order: stop accepting new
// work by clearing outstanding requests and subscriptions first (so no
// in-flight routing decision outlives the data it depends on), then
// unregister every service, then close every connection.
func (b *Broker) Shutdown() {
	b.Router.Shutdown()
	b.Subscriptions.Clear()
	b.Registry.Shutdown()
	b.Transport.Shutdown()
}
