package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePublishAndFanOut(t *testing.T) {
	m := NewManager()
	require.True(t, m.SubscribePublish("A", "baggage.events"))
	require.True(t, m.SubscribePublish("B", "baggage.events"))

	got := m.GetPublishSubscribers("baggage.events")
	assert.ElementsMatch(t, []string{"A", "B"}, got)
}

func TestSubscribePublishDuplicateReturnsFalse(t *testing.T) {
	m := NewManager()
	require.True(t, m.SubscribePublish("A", "baggage.events"))
	assert.False(t, m.SubscribePublish("A", "baggage.events"))
}

func TestUnsubscribePublishExcludesService(t *testing.T) {
	m := NewManager()
	require.True(t, m.SubscribePublish("A", "baggage.events"))
	require.True(t, m.UnsubscribePublish("A", "baggage.events"))
	assert.NotContains(t, m.GetPublishSubscribers("baggage.events"), "A")
}

func TestInvalidTopicRejected(t *testing.T) {
	m := NewManager()
	assert.False(t, m.SubscribePublish("A", "a..b"))
}

func TestPriorityRoutingS3(t *testing.T) {
	m := NewManager()
	require.True(t, m.SubscribeRequest("A", "svc.echo", 1))
	require.True(t, m.SubscribeRequest("B", "svc.echo", 2))
	require.True(t, m.SubscribeRequest("C", "svc.echo", 2))

	top := m.GetTopRequestSubscribers("svc.echo")
	assert.ElementsMatch(t, []string{"B", "C"}, top)
	assert.NotContains(t, top, "A")
}

func TestGetRequestSubscribersNonIncreasing(t *testing.T) {
	m := NewManager()
	require.True(t, m.SubscribeRequest("A", "svc.echo", 1))
	require.True(t, m.SubscribeRequest("B", "svc.echo", 3))
	require.True(t, m.SubscribeRequest("C", "svc.echo", 2))

	got := m.GetRequestSubscribers("svc.echo")
	require.Len(t, got, 3)
	assert.Equal(t, []string{"B", "C", "A"}, got)
}

func TestUnsubscribeRemovesFromBothTries(t *testing.T) {
	m := NewManager()
	require.True(t, m.SubscribePublish("A", "baggage.events"))
	require.True(t, m.SubscribeRequest("A", "svc.echo", 1))

	assert.True(t, m.Unsubscribe("A"))
	assert.Empty(t, m.GetPublishSubscribers("baggage.events"))
	assert.Empty(t, m.GetRequestSubscribers("svc.echo"))
	assert.False(t, m.Unsubscribe("A"))
}

func TestGetSubscribedTopicsSorted(t *testing.T) {
	m := NewManager()
	require.True(t, m.SubscribeRequest("A", "b.topic", 1))
	require.True(t, m.SubscribePublish("A", "a.topic"))

	got := m.GetSubscribedTopics("A")
	require.Len(t, got, 2)
	assert.Equal(t, "a.topic", got[0].Topic)
	assert.Equal(t, "b.topic", got[1].Topic)
}
