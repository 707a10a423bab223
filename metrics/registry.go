// Package metrics gives the broker core a small set of slots
// (gauge/rate/average/maximum/uptime) that an external backend is expected to
// read and expose. Apart from the flat Snapshot served on system.metrics, the
// core does not aggregate or expose metrics itself.
package metrics

import (
	"strings"
	"sync"
	"time"
)

// Name templates the core writes to. Parameterized names carry a
// "{serviceId}" placeholder resolved at write time; "{core}" names a
// broker-wide slot with no per-service dimension.
const (
	NameConnectionsActive    = "broker.{core}.connections.active"
	NameMessagesReceivedRate = "broker.{core}.messages.received.rate"
	NameMessagesErrorRate    = "broker.{core}.messages.malformed.rate"
	NamePublishDroppedRate   = "broker.{core}.publish.dropped.rate"
	NameRequestDroppedRate   = "broker.{core}.request.dropped.rate"
	NameRequestTimeoutRate   = "broker.{core}.request.timeout.rate"
	NameResponseErrorRate    = "broker.{core}.response.error.rate"
	NameOutstandingRequests  = "broker.{core}.requests.outstanding"
	NameUptime               = "broker.{core}.uptime"

	NameServiceMessagesRate   = "broker.service.{serviceId}.messages.rate"
	NameServiceRequestAvgLat  = "broker.service.{serviceId}.request.latency.average"
	NameServiceMessageSizeMax = "broker.service.{serviceId}.message.size.maximum"
)

// Registry owns every declared metric template and lazily materializes the
// concrete per-instance slot the first time a parameterized name is resolved.
type Registry struct {
	mu         sync.Mutex
	rateWindow time.Duration
	templates  map[string]Kind
	slots      map[string]any
	started    time.Time
}

// NewRegistry constructs a Registry whose Rate slots use the given trailing
// window for their events/second computation, and declares the fixed set of
// core-level metrics the broker writes to throughout its lifecycle.
func NewRegistry(rateWindow time.Duration) *Registry {
	r := &Registry{
		rateWindow: rateWindow,
		templates:  make(map[string]Kind),
		slots:      make(map[string]any),
		started:    time.Now(),
	}
	r.Declare(NameConnectionsActive, Gauge)
	r.Declare(NameMessagesReceivedRate, Rate)
	r.Declare(NameMessagesErrorRate, Rate)
	r.Declare(NamePublishDroppedRate, Rate)
	r.Declare(NameRequestDroppedRate, Rate)
	r.Declare(NameRequestTimeoutRate, Rate)
	r.Declare(NameResponseErrorRate, Rate)
	r.Declare(NameOutstandingRequests, Gauge)
	r.Declare(NameUptime, Uptime)
	r.Declare(NameServiceMessagesRate, Rate)
	r.Declare(NameServiceRequestAvgLat, Average)
	r.Declare(NameServiceMessageSizeMax, Maximum)

	u, _ := r.slotFor(NameUptime, "")
	u.(*uptimeSlot).setStart(r.started)
	return r
}

// Declare registers a (nameTemplate, kind) pair. Writing to an undeclared
// template is a silent no-op, matching the teacher's posture that metrics
// are best-effort and must never be able to crash the broker.
func (r *Registry) Declare(nameTemplate string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[nameTemplate] = kind
}

func resolve(nameTemplate, serviceID string) string {
	replacer := strings.NewReplacer("{serviceId}", serviceID, "{core}", "core")
	return replacer.Replace(nameTemplate)
}

func (r *Registry) slotFor(nameTemplate, serviceID string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind, ok := r.templates[nameTemplate]
	if !ok {
		return nil, false
	}
	resolved := resolve(nameTemplate, serviceID)
	if slot, ok := r.slots[resolved]; ok {
		return slot, true
	}
	var slot any
	switch kind {
	case Gauge:
		slot = &gaugeSlot{}
	case Rate:
		slot = &rateSlot{window: r.rateWindow}
	case Average:
		slot = &averageSlot{}
	case Maximum:
		slot = &maximumSlot{}
	case Uptime:
		slot = &uptimeSlot{}
	default:
		return nil, false
	}
	r.slots[resolved] = slot
	return slot, true
}

// SetGauge sets a Gauge slot's last value. serviceID is ignored for
// core-level (non-parameterized) names.
func (r *Registry) SetGauge(nameTemplate, serviceID string, v float64) {
	if slot, ok := r.slotFor(nameTemplate, serviceID); ok {
		slot.(*gaugeSlot).set(v)
	}
}

// Gauge reads back a Gauge slot's last value, for callers (e.g. system.metrics)
// that expose current slot state.
func (r *Registry) Gauge(nameTemplate, serviceID string) float64 {
	if slot, ok := r.slotFor(nameTemplate, serviceID); ok {
		return slot.(*gaugeSlot).get()
	}
	return 0
}

// IncRate records one event against a Rate slot at the current instant.
func (r *Registry) IncRate(nameTemplate, serviceID string) {
	if slot, ok := r.slotFor(nameTemplate, serviceID); ok {
		slot.(*rateSlot).add(time.Now())
	}
}

// Rate returns a Rate slot's current events/second value.
func (r *Registry) Rate(nameTemplate, serviceID string) float64 {
	if slot, ok := r.slotFor(nameTemplate, serviceID); ok {
		return slot.(*rateSlot).value(time.Now())
	}
	return 0
}

// AddAverage folds v into an Average slot's running mean.
func (r *Registry) AddAverage(nameTemplate, serviceID string, v float64) {
	if slot, ok := r.slotFor(nameTemplate, serviceID); ok {
		slot.(*averageSlot).add(v)
	}
}

// Average returns an Average slot's current mean.
func (r *Registry) Average(nameTemplate, serviceID string) float64 {
	if slot, ok := r.slotFor(nameTemplate, serviceID); ok {
		return slot.(*averageSlot).value()
	}
	return 0
}

// AddMaximum folds v into a Maximum slot's running max.
func (r *Registry) AddMaximum(nameTemplate, serviceID string, v float64) {
	if slot, ok := r.slotFor(nameTemplate, serviceID); ok {
		slot.(*maximumSlot).add(v)
	}
}

// Maximum returns a Maximum slot's current max.
func (r *Registry) Maximum(nameTemplate, serviceID string) float64 {
	if slot, ok := r.slotFor(nameTemplate, serviceID); ok {
		return slot.(*maximumSlot).value()
	}
	return 0
}

// Uptime returns elapsed time since the registry (and therefore the broker
// core) started.
func (r *Registry) Uptime() time.Duration {
	slot, _ := r.slotFor(NameUptime, "")
	return slot.(*uptimeSlot).value(time.Now())
}

// Snapshot returns a flat view of every materialized slot's current value,
// keyed by resolved name, for the system.metrics handler.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]float64, len(r.slots))
	now := time.Now()
	for name, slot := range r.slots {
		switch s := slot.(type) {
		case *gaugeSlot:
			out[name] = s.get()
		case *rateSlot:
			out[name] = s.value(now)
		case *averageSlot:
			out[name] = s.value()
		case *maximumSlot:
			out[name] = s.value()
		case *uptimeSlot:
			out[name] = s.value(now).Seconds()
		}
	}
	return out
}
