// Package router implements the broker's action dispatch: publish fan-out,
// priority-weighted request routing with requestId rewriting and per-request
// timeouts, response correlation, and backpressure eviction.
package router

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/nexusmsg/broker/brokererr"
	"github.com/nexusmsg/broker/metrics"
	"github.com/nexusmsg/broker/obslog"
	"github.com/nexusmsg/broker/registry"
	"github.com/nexusmsg/broker/request"
	"github.com/nexusmsg/broker/subscription"
	"github.com/nexusmsg/broker/topic"
	"github.com/nexusmsg/broker/wire"
)

// ConnectionManager is the narrow slice of the transport layer's connection
// manager the router needs. Populated after construction to break the
// router/transport wiring cycle.
type ConnectionManager interface {
	Send(serviceID string, frame []byte) error
	Close(serviceID string) error
}

// Options configures routing policy.
type Options struct {
	DefaultRequestTimeout time.Duration
	MaxRequestTimeout     time.Duration
	MaxOutstanding        int
	MaxHeaderBytes        int
	MaxPayloadBytes       int
}

// Router is the broker's message-dispatch core.
type Router struct {
	subs     *subscription.Manager
	reg      *registry.Registry
	requests *request.Table
	metrics  *metrics.Registry
	logger   obslog.Logger
	cm       ConnectionManager
	opts     Options

	headerOpts wire.ParseHeaderOptions
}

// New constructs a Router. SetConnectionManager must be called before Handle
// is used.
func New(subs *subscription.Manager, reg *registry.Registry, m *metrics.Registry, logger obslog.Logger, opts Options) *Router {
	return &Router{
		subs:     subs,
		reg:      reg,
		requests: request.NewTable(opts.MaxOutstanding),
		metrics:  m,
		logger:   logger,
		opts:     opts,
		headerOpts: wire.ParseHeaderOptions{
			MaxTimeoutMillis: int(opts.MaxRequestTimeout / time.Millisecond),
		},
	}
}

// SetConnectionManager wires the router to the transport layer's connection
// manager.
func (rt *Router) SetConnectionManager(cm ConnectionManager) {
	rt.cm = cm
}

// Handle processes one framed buffer received from serviceID. It never
// returns an error to the caller: every failure is surfaced as a RESPONSE on
// the wire, and panics are recovered and converted to INTERNAL_ERROR.
func (rt *Router) Handle(serviceID string, frame []byte) {
	var recovered *brokererr.Error
	defer func() {
		if recovered != nil {
			rt.logger.Error("panic recovered in router dispatch", recovered, obslog.F("serviceId", serviceID))
			rt.metrics.IncRate(metrics.NameMessagesErrorRate, "")
			defer func() { recover() }()
			rt.sendError(serviceID, wire.Header{Action: wire.ActionResponse, Topic: "", Version: "1.0.0"}, recovered)
		}
	}()
	defer brokererr.Recover(&recovered)

	rt.metrics.IncRate(metrics.NameMessagesReceivedRate, "")
	rt.metrics.IncRate(metrics.NameServiceMessagesRate, serviceID)
	rt.metrics.AddMaximum(metrics.NameServiceMessageSizeMax, serviceID, float64(len(frame)))

	msg, berr := wire.Parse(frame, rt.opts.MaxHeaderBytes, rt.opts.MaxPayloadBytes, rt.headerOpts)
	if berr != nil {
		rt.metrics.IncRate(metrics.NameMessagesErrorRate, "")
		rt.sendError(serviceID, wire.Header{Action: wire.ActionResponse, Topic: "", Version: "1.0.0"}, berr)
		return
	}

	rt.reg.ResetHeartbeat(serviceID)

	if topic.IsSystemTopic(msg.Header.Topic) {
		rt.reg.Dispatch(serviceID, msg)
		return
	}

	switch msg.Header.Action {
	case wire.ActionPublish:
		rt.handlePublish(serviceID, msg)
	case wire.ActionRequest:
		rt.handleRequest(serviceID, msg)
	case wire.ActionResponse:
		rt.handleResponse(serviceID, msg)
	default:
		rt.sendError(serviceID, msg.Header, brokererr.New(brokererr.MalformedMessage, "unrecognized action"))
	}
}

func (rt *Router) handlePublish(serviceID string, msg *wire.Message) {
	h := msg.Header
	subscribers := rt.subs.GetPublishSubscribers(h.Topic)
	if len(subscribers) == 0 {
		rt.metrics.IncRate(metrics.NamePublishDroppedRate, "")
		rt.sendError(serviceID, h, brokererr.New(brokererr.NoRouteFound, "no publish subscribers for "+h.Topic))
		return
	}

	forwardID := uuid.New()
	forwardHeader := wire.Header{
		Action:    wire.ActionPublish,
		Topic:     h.Topic,
		Version:   h.Version,
		RequestID: &forwardID,
	}
	frame := reassembleWithRawPayload(forwardHeader, msg)

	for _, sub := range subscribers {
		if sendErr := rt.send(sub, frame); sendErr != nil {
			rt.logger.Warn("publish fan-out send failed", obslog.F("serviceId", sub), obslog.F("error", sendErr.Error()))
		}
	}

	if h.RequestID != nil {
		rt.replySuccess(serviceID, h.RequestID, h.Topic)
	}
}

func (rt *Router) handleRequest(serviceID string, msg *wire.Message) {
	h := msg.Header
	cohort := rt.subs.GetTopRequestSubscribers(h.Topic)
	if len(cohort) == 0 {
		rt.metrics.IncRate(metrics.NameRequestDroppedRate, "")
		rt.sendError(serviceID, h, brokererr.New(brokererr.NoRouteFound, "no request subscribers for "+h.Topic))
		return
	}
	target := cohort[0]
	if len(cohort) > 1 {
		target = cohort[rand.IntN(len(cohort))]
	}

	targetRequestID := uuid.New()
	req := &request.OutstandingRequest{
		OriginServiceID: serviceID,
		TargetServiceID: target,
		OriginalHeader:  h,
		TargetRequestID: targetRequestID,
		CreatedAt:       time.Now(),
	}

	var evicted *request.OutstandingRequest
	if h.RequestID != nil {
		timeout := rt.opts.DefaultRequestTimeout
		if h.Timeout != nil {
			timeout = time.Duration(*h.Timeout) * time.Millisecond
		}
		if rt.opts.MaxRequestTimeout > 0 && timeout > rt.opts.MaxRequestTimeout {
			timeout = rt.opts.MaxRequestTimeout
		}
		evicted = rt.requests.Insert(req)
		rt.requests.ArmTimeout(req, timeout, rt.onRequestTimeout)
	}

	if evicted != nil {
		rt.metrics.IncRate(metrics.NameRequestDroppedRate, "")
		rt.replyError(evicted.OriginServiceID, evicted.OriginalHeader.RequestID,
			brokererr.New(brokererr.ServiceUnavailable, "broker is busy").WithDetails(map[string]any{
				"targetServiceId": evicted.TargetServiceID,
			}))
	}

	forwardHeader := wire.Header{
		Action:    wire.ActionRequest,
		Topic:     h.Topic,
		Version:   h.Version,
		RequestID: &targetRequestID,
		Timeout:   h.Timeout,
	}
	if h.RequestID != nil {
		forwardHeader.ParentRequestID = h.RequestID
	}

	frame := reassembleWithRawPayload(forwardHeader, msg)
	if sendErr := rt.send(target, frame); sendErr != nil {
		rt.requests.Remove(target, targetRequestID)
		rt.sendError(serviceID, h, brokererr.New(brokererr.ServiceUnavailable, "failed to forward request to target"))
	}
}

func (rt *Router) handleResponse(serviceID string, msg *wire.Message) {
	h := msg.Header
	if h.RequestID == nil {
		rt.sendError(serviceID, h, brokererr.New(brokererr.InvalidRequestID, "response missing requestId"))
		return
	}

	req, ok := rt.requests.Remove(serviceID, *h.RequestID)
	if !ok {
		rt.sendError(serviceID, h, brokererr.New(brokererr.InvalidRequestID, "no matching outstanding request"))
		return
	}

	if msg.HasError {
		rt.metrics.IncRate(metrics.NameResponseErrorRate, "")
	}

	if req.OriginalHeader.RequestID == nil && !msg.HasError {
		return
	}

	forwardHeader := wire.Header{
		Action:    wire.ActionResponse,
		Topic:     h.Topic,
		Version:   h.Version,
		RequestID: req.OriginalHeader.RequestID,
	}
	frame := reassembleWithRawPayload(forwardHeader, msg)
	_ = rt.send(req.OriginServiceID, frame)
}

func (rt *Router) onRequestTimeout(req *request.OutstandingRequest) {
	rt.metrics.IncRate(metrics.NameRequestTimeoutRate, "")
	rt.replyError(req.OriginServiceID, req.OriginalHeader.RequestID,
		brokererr.New(brokererr.Timeout, "request timed out").WithDetails(map[string]any{
			"targetServiceId": req.TargetServiceID,
		}))
}

// CloseConnection proactively cancels every outstanding request touching
// serviceID when its connection is lost.
func (rt *Router) CloseConnection(serviceID string) {
	rt.requests.RemoveAllForService(serviceID)
}

// Shutdown cancels every pending timer and clears the outstanding-request
// table.
func (rt *Router) Shutdown() {
	rt.requests.Clear()
}

// send hands a raw frame body (header line + payload, no length prefix) to
// the connection manager; the transport adapter for serviceID's connection
// kind decides whether to add stream framing.
func (rt *Router) send(serviceID string, frame []byte) error {
	if rt.cm == nil {
		return nil
	}
	return rt.cm.Send(serviceID, frame)
}

func (rt *Router) replySuccess(serviceID string, correlation *uuid.UUID, topicStr string) {
	h := wire.Header{Action: wire.ActionResponse, Topic: topicStr, Version: "1.0.0", RequestID: correlation}
	frame, err := wire.SerializeValue(h, map[string]string{"status": "success"})
	if err != nil {
		return
	}
	_ = rt.send(serviceID, frame)
}

func (rt *Router) replyError(serviceID string, correlation *uuid.UUID, berr *brokererr.Error) {
	h := wire.Header{Action: wire.ActionResponse, Topic: "", Version: "1.0.0", RequestID: correlation}
	frame, err := wire.SerializeError(h, berr)
	if err != nil {
		return
	}
	_ = rt.send(serviceID, frame)
}

func (rt *Router) sendError(serviceID string, origHeader wire.Header, berr *brokererr.Error) {
	rt.replyError(serviceID, origHeader.RequestID, berr)
}

func reassembleWithRawPayload(h wire.Header, msg *wire.Message) []byte {
	headerBytes := wire.Serialize(h)
	payload := msg.RawPayload()
	out := make([]byte, 0, len(headerBytes)+1+len(payload))
	out = append(out, headerBytes...)
	out = append(out, '\n')
	out = append(out, payload...)
	return out
}
