// Package subscription implements the broker's subscription index: two
// wildcard-aware tries (publish, request) plus service-centric query
// operations over them.
package subscription

import (
	"math"
	"sort"
	"sync"

	"github.com/nexusmsg/broker/topic"
	"github.com/nexusmsg/broker/trie"
	"github.com/nexusmsg/broker/wire"
)

// TopicSubscription names one (topic, action) pair a service is subscribed to.
type TopicSubscription struct {
	Topic  string
	Action wire.Action
}

// Manager wraps the publish and request tries and tracks, per service, which
// topics it is subscribed to in each discipline so that Unsubscribe and
// GetSubscribedTopics don't need to scan the tries.
type Manager struct {
	mu sync.RWMutex

	publishTrie *trie.Trie
	requestTrie *trie.Trie

	publishTopics map[string]map[string]struct{} // serviceId -> canonical topics
	requestTopics map[string]map[string]struct{}
}

// NewManager constructs an empty subscription index.
func NewManager() *Manager {
	return &Manager{
		publishTrie:   trie.New(trie.NewSet),
		requestTrie:   trie.New(trie.NewSortedSet),
		publishTopics: make(map[string]map[string]struct{}),
		requestTopics: make(map[string]map[string]struct{}),
	}
}

// SubscribePublish registers serviceId for PUBLISH delivery on topicStr. It
// returns false if topicStr is not a valid subscription-form topic, or if
// serviceId was already subscribed to it (no change occurred).
func (m *Manager) SubscribePublish(serviceID, topicStr string) bool {
	if !topic.IsValidSubscription(topicStr) {
		return false
	}
	canon := topic.Canonical(topicStr)

	m.mu.Lock()
	defer m.mu.Unlock()

	if has(m.publishTopics, serviceID, canon) {
		return false
	}
	if berr := m.publishTrie.Set(canon, PublishLeaf(serviceID)); berr != nil {
		return false
	}
	record(m.publishTopics, serviceID, canon)
	return true
}

// SubscribeRequest registers serviceId for REQUEST delivery on topicStr at the
// given priority. Re-subscribing an already-subscribed (serviceId, topic) pair
// updates its priority and still returns true. It returns false only if
// topicStr is not a valid subscription-form topic.
func (m *Manager) SubscribeRequest(serviceID, topicStr string, priority float64) bool {
	if !topic.IsValidSubscription(topicStr) {
		return false
	}
	canon := topic.Canonical(topicStr)

	m.mu.Lock()
	defer m.mu.Unlock()

	if berr := m.requestTrie.Set(canon, RequestLeaf{ServiceID: serviceID, Prio: priority}); berr != nil {
		return false
	}
	record(m.requestTopics, serviceID, canon)
	return true
}

// UnsubscribePublish removes serviceId's PUBLISH subscription to topicStr,
// returning true only if a subscription was actually removed.
func (m *Manager) UnsubscribePublish(serviceID, topicStr string) bool {
	canon := topic.Canonical(topicStr)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.publishTrie.Delete(canon, serviceID) {
		return false
	}
	forget(m.publishTopics, serviceID, canon)
	return true
}

// UnsubscribeRequest removes serviceId's REQUEST subscription to topicStr,
// returning true only if a subscription was actually removed.
func (m *Manager) UnsubscribeRequest(serviceID, topicStr string) bool {
	canon := topic.Canonical(topicStr)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.requestTrie.Delete(canon, serviceID) {
		return false
	}
	forget(m.requestTopics, serviceID, canon)
	return true
}

// Unsubscribe removes serviceId from every topic in both tries, returning true
// if any removal occurred.
func (m *Manager) Unsubscribe(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := false
	for t := range m.publishTopics[serviceID] {
		if m.publishTrie.Delete(t, serviceID) {
			removed = true
		}
	}
	delete(m.publishTopics, serviceID)

	for t := range m.requestTopics[serviceID] {
		if m.requestTrie.Delete(t, serviceID) {
			removed = true
		}
	}
	delete(m.requestTopics, serviceID)

	return removed
}

// Clear drops every subscription in both tries. Used during broker shutdown.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publishTrie = trie.New(trie.NewSet)
	m.requestTrie = trie.New(trie.NewSortedSet)
	m.publishTopics = make(map[string]map[string]struct{})
	m.requestTopics = make(map[string]map[string]struct{})
}

// GetPublishSubscribers returns the serviceIds matching publishTopic, including
// wildcard subscriptions, in the trie's exact/+/# traversal order.
func (m *Manager) GetPublishSubscribers(publishTopic string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for e := range m.publishTrie.Match(topic.Canonical(publishTopic)) {
		out = append(out, e.Key())
	}
	return out
}

// GetRequestSubscribers returns the serviceIds matching requestTopic in
// non-increasing priority order (spec invariant 3).
func (m *Manager) GetRequestSubscribers(requestTopic string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []RequestLeaf
	for e := range m.requestTrie.Match(topic.Canonical(requestTopic)) {
		entries = append(entries, e.(RequestLeaf))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Prio > entries[j].Prio
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ServiceID
	}
	return out
}

// GetTopRequestSubscribers returns only the strictly highest-priority cohort
// matching requestTopic, computed in a single streaming pass over the trie's
// match sequence rather than sorting the full match set.
func (m *Manager) GetTopRequestSubscribers(requestTopic string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best []string
	bestPriority := math.Inf(-1)
	for e := range m.requestTrie.Match(topic.Canonical(requestTopic)) {
		leaf := e.(RequestLeaf)
		switch {
		case leaf.Prio > bestPriority:
			bestPriority = leaf.Prio
			best = best[:0]
			best = append(best, leaf.ServiceID)
		case leaf.Prio == bestPriority:
			best = append(best, leaf.ServiceID)
		}
	}
	return best
}

// GetSubscribedTopics returns every (topic, action) pair serviceId is
// subscribed to, sorted by topic then action.
func (m *Manager) GetSubscribedTopics(serviceID string) []TopicSubscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscribedTopicsLocked(serviceID)
}

func (m *Manager) subscribedTopicsLocked(serviceID string) []TopicSubscription {
	var out []TopicSubscription
	for t := range m.publishTopics[serviceID] {
		out = append(out, TopicSubscription{Topic: t, Action: wire.ActionPublish})
	}
	for t := range m.requestTopics[serviceID] {
		out = append(out, TopicSubscription{Topic: t, Action: wire.ActionRequest})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// GetAllSubscriptions returns every service's subscribed-topics view, keyed by
// serviceId.
func (m *Manager) GetAllSubscriptions() map[string][]TopicSubscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := make(map[string]struct{})
	for sid := range m.publishTopics {
		services[sid] = struct{}{}
	}
	for sid := range m.requestTopics {
		services[sid] = struct{}{}
	}

	out := make(map[string][]TopicSubscription, len(services))
	for sid := range services {
		out[sid] = m.subscribedTopicsLocked(sid)
	}
	return out
}

func has(set map[string]map[string]struct{}, serviceID, t string) bool {
	topics, ok := set[serviceID]
	if !ok {
		return false
	}
	_, ok = topics[t]
	return ok
}

func record(set map[string]map[string]struct{}, serviceID, t string) {
	topics, ok := set[serviceID]
	if !ok {
		topics = make(map[string]struct{})
		set[serviceID] = topics
	}
	topics[t] = struct{}{}
}

func forget(set map[string]map[string]struct{}, serviceID, t string) {
	topics, ok := set[serviceID]
	if !ok {
		return
	}
	delete(topics, t)
	if len(topics) == 0 {
		delete(set, serviceID)
	}
}
