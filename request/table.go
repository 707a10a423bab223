// Package request owns the outstanding-request table: forwarded REQUESTs
// awaiting a matching RESPONSE, keyed by (targetServiceId, targetRequestId),
// with per-entry timeout timers and oldest-by-createdAt eviction under a
// configured capacity.
package request

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusmsg/broker/wire"
)

// OutstandingRequest is a forwarded REQUEST awaiting its RESPONSE.
type OutstandingRequest struct {
	OriginServiceID string
	TargetServiceID string
	OriginalHeader  wire.Header
	TargetRequestID uuid.UUID
	CreatedAt       time.Time

	timer *time.Timer
	elem  *list.Element
}

type key struct {
	targetServiceID string
	targetRequestID uuid.UUID
}

// Table is the outstanding-request map plus insertion-order list used to find
// the oldest entry in O(1).
type Table struct {
	mu      sync.Mutex
	maxSize int
	byKey   map[key]*OutstandingRequest
	order   *list.List
}

// NewTable constructs an empty table. maxSize <= 0 means unbounded.
func NewTable(maxSize int) *Table {
	return &Table{
		maxSize: maxSize,
		byKey:   make(map[key]*OutstandingRequest),
		order:   list.New(),
	}
}

// Insert admits req into the table. If admitting it pushes the table over
// capacity, the oldest entry by createdAt is evicted (its timer stopped) and
// returned so the caller can notify its origin; otherwise evicted is nil.
func (t *Table) Insert(req *OutstandingRequest) (evicted *OutstandingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{req.TargetServiceID, req.TargetRequestID}
	req.elem = t.order.PushBack(k)
	t.byKey[k] = req

	if t.maxSize > 0 && len(t.byKey) > t.maxSize {
		front := t.order.Front()
		oldestKey := front.Value.(key)
		evicted = t.byKey[oldestKey]
		t.removeLocked(oldestKey)
	}
	return evicted
}

// Remove removes and returns the entry keyed by (targetServiceId,
// targetRequestId), cancelling its timer. ok is false if no such entry exists.
func (t *Table) Remove(targetServiceID string, targetRequestID uuid.UUID) (req *OutstandingRequest, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{targetServiceID, targetRequestID}
	req, ok = t.byKey[k]
	if !ok {
		return nil, false
	}
	t.removeLocked(k)
	return req, true
}

func (t *Table) removeLocked(k key) {
	req, ok := t.byKey[k]
	if !ok {
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	if req.elem != nil {
		t.order.Remove(req.elem)
	}
	delete(t.byKey, k)
}

// ArmTimeout schedules onTimeout to run after d if the entry is still present
// then. The entry is removed from the table before onTimeout runs, so
// onTimeout never races a concurrent Remove for the same entry.
func (t *Table) ArmTimeout(req *OutstandingRequest, d time.Duration, onTimeout func(*OutstandingRequest)) {
	req.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		k := key{req.TargetServiceID, req.TargetRequestID}
		_, ok := t.byKey[k]
		if ok {
			t.removeLocked(k)
		}
		t.mu.Unlock()
		if ok {
			onTimeout(req)
		}
	})
}

// Len reports the current number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

// RemoveAllForService removes and returns every entry whose origin or target
// is serviceID, cancelling their timers. Used when a connection closes.
func (t *Table) RemoveAllForService(serviceID string) []*OutstandingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*OutstandingRequest
	for k, req := range t.byKey {
		if req.OriginServiceID == serviceID || req.TargetServiceID == serviceID {
			removed = append(removed, req)
			t.removeLocked(k)
		}
	}
	return removed
}

// Clear removes and returns every outstanding request, cancelling all timers.
// Used during broker shutdown.
func (t *Table) Clear() []*OutstandingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*OutstandingRequest, 0, len(t.byKey))
	for _, req := range t.byKey {
		if req.timer != nil {
			req.timer.Stop()
		}
		out = append(out, req)
	}
	t.byKey = make(map[key]*OutstandingRequest)
	t.order = list.New()
	return out
}
