package registry

import (
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/nexusmsg/broker/brokererr"
	"github.com/nexusmsg/broker/topic"
	"github.com/nexusmsg/broker/wire"
)

// restrictedSubscriptionTargets is the set of system.* topics a client is
// allowed to subscribe_publish/subscribe_request to directly. All other
// system.* topics may only be addressed via the dispatch table below.
var restrictedSubscriptionTargets = map[string]struct{}{
	"system.log":               {},
	"system.message":           {},
	"system.service.register":  {},
	"system.topic.subscribe":   {},
	"system.topic.unsubscribe": {},
}

type handlerFunc func(r *Registry, serviceID string, msg *wire.Message) (any, *brokererr.Error)

var dispatchTable = map[string]handlerFunc{
	"system.heartbeat":             (*Registry).handleHeartbeat,
	"system.log.subscribe":         (*Registry).handleLogSubscribe,
	"system.log.unsubscribe":       (*Registry).handleLogUnsubscribe,
	"system.metrics":               (*Registry).handleMetrics,
	"system.service.list":          (*Registry).handleServiceList,
	"system.service.subscriptions": (*Registry).handleServiceSubscriptions,
	"system.service.register":      (*Registry).handleServiceRegister,
	"system.topic.list":            (*Registry).handleTopicList,
	"system.topic.subscribers":     (*Registry).handleTopicSubscribers,
	"system.topic.subscribe":       (*Registry).handleTopicSubscribe,
	"system.topic.unsubscribe":     (*Registry).handleTopicUnsubscribe,
}

// IsSystemTopic reports whether topicStr belongs to this registry's dispatch
// surface (prefix "system.").
func IsSystemTopic(topicStr string) bool {
	return topic.IsSystemTopic(topicStr)
}

// Dispatch handles one inbound message addressed to a system.* topic. It
// replies with a RESPONSE to serviceID, correlated by the inbound message's
// requestId when present; a system.heartbeat RESPONSE gets no reply.
func (r *Registry) Dispatch(serviceID string, msg *wire.Message) {
	h := msg.Header

	if h.Topic == "system.heartbeat" && h.Action == wire.ActionResponse {
		// Heartbeat replies are already handled by ResetHeartbeat in the
		// router; nothing further to do.
		return
	}

	handler, ok := dispatchTable[h.Topic]
	if !ok {
		r.reply(serviceID, h.RequestID, h.Topic, nil, brokererr.New(brokererr.TopicNotSupported, "unknown system topic: "+h.Topic))
		return
	}
	if h.Action != wire.ActionRequest {
		r.reply(serviceID, h.RequestID, h.Topic, nil, brokererr.New(brokererr.InvalidRequest, "system topic requires action request"))
		return
	}

	payload, berr := handler(r, serviceID, msg)
	r.reply(serviceID, h.RequestID, h.Topic, payload, berr)
}

func (r *Registry) reply(serviceID string, correlation *uuid.UUID, topicStr string, payload any, berr *brokererr.Error) {
	h := wire.Header{Action: wire.ActionResponse, Topic: topicStr, Version: "1.0.0", RequestID: correlation}

	var frame []byte
	var err error
	if berr != nil {
		frame, err = wire.SerializeError(h, berr)
	} else {
		if payload == nil {
			payload = statusPayload{Status: "success"}
		}
		frame, err = wire.SerializeValue(h, payload)
	}
	if err != nil {
		return
	}
	_ = r.send(serviceID, frame)
}

type statusPayload struct {
	Status string `json:"status"`
}

func (r *Registry) handleHeartbeat(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	return statusPayload{Status: "success"}, nil
}

type logSubscribeRequest struct {
	Levels []string `json:"levels"`
	Regex  string   `json:"regex,omitempty"`
}

func (r *Registry) handleLogSubscribe(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	req, berr := wire.ParsePayload[logSubscribeRequest](msg)
	if berr != nil {
		return nil, brokererr.New(brokererr.InvalidRequest, "invalid log.subscribe payload")
	}

	var re *regexp.Regexp
	if req.Regex != "" {
		compiled, err := regexp.Compile(req.Regex)
		if err != nil {
			return nil, brokererr.New(brokererr.InvalidRequest, "invalid regex: "+err.Error())
		}
		re = compiled
	}

	levels := make(map[string]struct{}, len(req.Levels))
	for _, l := range req.Levels {
		levels[l] = struct{}{}
	}

	r.mu.Lock()
	reg, ok := r.services[serviceID]
	if ok {
		reg.LogSubscription = LogSubscription{Levels: levels, Regex: re}
	}
	r.mu.Unlock()
	if !ok {
		return nil, brokererr.New(brokererr.ServiceUnavailable, "unknown service")
	}

	// Idempotent: subscribe_publish no-ops if already subscribed.
	r.subs.SubscribePublish(serviceID, "system.log")
	return statusPayload{Status: "success"}, nil
}

func (r *Registry) handleLogUnsubscribe(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	r.mu.Lock()
	reg, ok := r.services[serviceID]
	if ok {
		reg.LogSubscription = LogSubscription{}
	}
	r.mu.Unlock()
	if !ok {
		return nil, brokererr.New(brokererr.ServiceUnavailable, "unknown service")
	}
	r.subs.UnsubscribePublish(serviceID, "system.log")
	return statusPayload{Status: "success"}, nil
}

func (r *Registry) handleMetrics(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	return r.metrics.Snapshot(), nil
}

type serviceInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (r *Registry) handleServiceList(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	r.mu.Lock()
	out := make([]serviceInfo, 0, len(r.services))
	for id, reg := range r.services {
		out = append(out, serviceInfo{ID: id, Name: reg.Name, Description: reg.Description})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type serviceSubscriptionsRequest struct {
	ServiceID string `json:"serviceId,omitempty"`
}

func (r *Registry) handleServiceSubscriptions(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	req, _ := wire.ParsePayload[serviceSubscriptionsRequest](msg)
	target := req.ServiceID
	if target == "" {
		target = serviceID
	}
	return r.subs.GetSubscribedTopics(target), nil
}

type serviceRegisterRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (r *Registry) handleServiceRegister(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	req, berr := wire.ParsePayload[serviceRegisterRequest](msg)
	if berr != nil {
		return nil, brokererr.New(brokererr.InvalidRequest, "invalid service.register payload")
	}
	if len(req.Name) > MaxNameLength {
		return nil, brokererr.New(brokererr.InvalidRequest, "name exceeds maximum length")
	}
	if len(req.Description) > MaxDescriptionLength {
		return nil, brokererr.New(brokererr.InvalidRequest, "description exceeds maximum length")
	}

	r.mu.Lock()
	reg, ok := r.services[serviceID]
	if !ok {
		reg = newRegistration(serviceID)
		r.services[serviceID] = reg
	}
	reg.Name = req.Name
	reg.Description = req.Description
	r.mu.Unlock()
	if !ok {
		r.rearmNew(serviceID)
	}
	return statusPayload{Status: "success"}, nil
}

func (r *Registry) rearmNew(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.services[serviceID]; ok {
		r.rearm(reg)
	}
}

func (r *Registry) handleTopicList(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	all := r.subs.GetAllSubscriptions()
	seen := make(map[string]struct{})
	var topics []string
	for _, subs := range all {
		for _, s := range subs {
			if _, ok := seen[s.Topic]; !ok {
				seen[s.Topic] = struct{}{}
				topics = append(topics, s.Topic)
			}
		}
	}
	sort.Strings(topics)
	return topics, nil
}

type topicSubscribersRequest struct {
	Topic string `json:"topic"`
}

type topicSubscribersResponse struct {
	Publish []string `json:"publish"`
	Request []string `json:"request"`
}

func (r *Registry) handleTopicSubscribers(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	req, berr := wire.ParsePayload[topicSubscribersRequest](msg)
	if berr != nil {
		return nil, brokererr.New(brokererr.InvalidRequest, "invalid topic.subscribers payload")
	}
	return topicSubscribersResponse{
		Publish: r.subs.GetPublishSubscribers(req.Topic),
		Request: r.subs.GetRequestSubscribers(req.Topic),
	}, nil
}

type topicSubscribeRequest struct {
	Topic    string  `json:"topic"`
	Action   string  `json:"action"`
	Priority float64 `json:"priority,omitempty"`
}

func (r *Registry) handleTopicSubscribe(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	req, berr := wire.ParsePayload[topicSubscribeRequest](msg)
	if berr != nil {
		return nil, brokererr.New(brokererr.InvalidRequest, "invalid topic.subscribe payload")
	}
	if err := checkRestrictedTarget(req.Topic); err != nil {
		return nil, err
	}

	var ok bool
	switch wire.Action(req.Action) {
	case wire.ActionPublish:
		ok = r.subs.SubscribePublish(serviceID, req.Topic)
	case wire.ActionRequest:
		ok = r.subs.SubscribeRequest(serviceID, req.Topic, req.Priority)
	default:
		return nil, brokererr.New(brokererr.InvalidRequest, "action must be publish or request")
	}
	return statusPayload{Status: boolStatus(ok)}, nil
}

func (r *Registry) handleTopicUnsubscribe(serviceID string, msg *wire.Message) (any, *brokererr.Error) {
	req, berr := wire.ParsePayload[topicSubscribeRequest](msg)
	if berr != nil {
		return nil, brokererr.New(brokererr.InvalidRequest, "invalid topic.unsubscribe payload")
	}

	var ok bool
	switch wire.Action(req.Action) {
	case wire.ActionPublish:
		ok = r.subs.UnsubscribePublish(serviceID, req.Topic)
	case wire.ActionRequest:
		ok = r.subs.UnsubscribeRequest(serviceID, req.Topic)
	default:
		return nil, brokererr.New(brokererr.InvalidRequest, "action must be publish or request")
	}
	return statusPayload{Status: boolStatus(ok)}, nil
}

func checkRestrictedTarget(topicStr string) *brokererr.Error {
	canon := topic.Canonical(topicStr)
	if !topic.IsSystemTopic(canon) {
		return nil
	}
	if _, allowed := restrictedSubscriptionTargets[canon]; allowed {
		return nil
	}
	return brokererr.New(brokererr.InvalidRequest, "restricted system subscription target: "+canon)
}

func boolStatus(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
