package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/nexusmsg/broker/metrics"
	"github.com/nexusmsg/broker/obslog"
	"github.com/nexusmsg/broker/subscription"
	"github.com/nexusmsg/broker/wire"
)

// ConnectionManager is the narrow slice of the transport layer's connection
// manager the registry needs: addressed send and forced close. Populated
// after construction to break the registry/transport wiring cycle.
type ConnectionManager interface {
	Send(serviceID string, frame []byte) error
	Close(serviceID string) error
}

// Registry maintains serviceId -> ServiceRegistration and the per-service
// heartbeat state machine.
type Registry struct {
	mu       sync.Mutex
	services map[string]*ServiceRegistration

	subs    *subscription.Manager
	metrics *metrics.Registry
	logger  obslog.Logger
	cm      ConnectionManager

	retryTimeout      time.Duration
	deregisterTimeout time.Duration
}

// NewRegistry constructs a registry backed by subs for topic bookkeeping and
// m for the slot snapshot served on system.metrics.
func NewRegistry(subs *subscription.Manager, m *metrics.Registry, logger obslog.Logger, retryTimeout, deregisterTimeout time.Duration) *Registry {
	return &Registry{
		services:          make(map[string]*ServiceRegistration),
		subs:              subs,
		metrics:           m,
		logger:            logger,
		retryTimeout:      retryTimeout,
		deregisterTimeout: deregisterTimeout,
	}
}

// SetConnectionManager wires the registry to the transport layer's connection
// manager. Must be called once, after both are constructed.
func (r *Registry) SetConnectionManager(cm ConnectionManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cm = cm
}

// Connect creates a ServiceRegistration for a freshly accepted connection and
// arms its heartbeat timers. Idempotent: connecting an already-known
// serviceId just rearms its timers.
func (r *Registry) Connect(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.services[serviceID]
	if !ok {
		reg = newRegistration(serviceID)
		r.services[serviceID] = reg
	}
	r.rearm(reg)
}

// Unregister removes serviceId's registration, unsubscribing it from every
// topic and cancelling its timers. It does not close the connection; callers
// that already know the connection is gone should not call cm.Close again.
func (r *Registry) Unregister(serviceID string) {
	r.mu.Lock()
	reg, ok := r.services[serviceID]
	if ok {
		stopTimer(reg.retryTimer)
		stopTimer(reg.deregisterTimer)
		delete(r.services, serviceID)
	}
	r.mu.Unlock()

	if ok {
		r.subs.Unsubscribe(serviceID)
	}
}

// ResetHeartbeat returns serviceId to HEALTHY and reschedules both timers
// from now. Called by the router on every inbound message. A no-op if the
// service is unknown (the connection should have called Connect first).
func (r *Registry) ResetHeartbeat(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.services[serviceID]
	if !ok {
		return
	}
	reg.LastHeartbeat = time.Now()
	reg.state = healthy
	r.rearm(reg)
}

// rearm must be called with r.mu held.
func (r *Registry) rearm(reg *ServiceRegistration) {
	stopTimer(reg.retryTimer)
	stopTimer(reg.deregisterTimer)

	id := reg.ID
	reg.retryTimer = time.AfterFunc(r.retryTimeout, func() { r.onRetryFire(id) })
	reg.deregisterTimer = time.AfterFunc(r.deregisterTimeout, func() { r.onDeregisterFire(id) })
}

func (r *Registry) onRetryFire(serviceID string) {
	r.mu.Lock()
	reg, ok := r.services[serviceID]
	if ok {
		reg.state = probing
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	h := wire.Header{Action: wire.ActionRequest, Topic: "system.heartbeat", Version: "1.0.0"}
	frame, err := wire.SerializeValue(h, struct{}{})
	if err != nil {
		return
	}
	_ = r.send(serviceID, frame)
}

func (r *Registry) onDeregisterFire(serviceID string) {
	r.mu.Lock()
	_, ok := r.services[serviceID]
	if ok {
		delete(r.services, serviceID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.subs.Unsubscribe(serviceID)
	if r.cm != nil {
		_ = r.cm.Close(serviceID)
	}
	if r.logger != nil {
		r.logger.Warn("service deregistered after heartbeat silence", obslog.F("serviceId", serviceID))
	}
}

// send hands a raw frame body (header line + payload, no length prefix) to
// the connection manager; stream-framing is the transport adapter's concern.
func (r *Registry) send(serviceID string, frame []byte) error {
	r.mu.Lock()
	cm := r.cm
	r.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Send(serviceID, frame)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Get returns a snapshot of serviceId's registration, or false if unknown.
func (r *Registry) Get(serviceID string) (ServiceRegistration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.services[serviceID]
	if !ok {
		return ServiceRegistration{}, false
	}
	return *reg, true
}

// List returns every known serviceId, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.services))
	for id := range r.services {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown cancels every service's timers and clears the registry without
// touching connections or subscriptions (the broker's shutdown sequence
// handles those separately, in order).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.services {
		stopTimer(reg.retryTimer)
		stopTimer(reg.deregisterTimer)
	}
	r.services = make(map[string]*ServiceRegistration)
}
