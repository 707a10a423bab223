package topic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidPublishable(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"single segment", "baggage", true},
		{"multi segment", "baggage.events.arrived", true},
		{"digits after letter", "a1.b2c3", true},
		{"leading digit rejected", "1abc.def", false},
		{"empty segment rejected", "a..b", false},
		{"plus wildcard rejected", "a.+.c", false},
		{"hash wildcard rejected", "a.b.#", false},
		{"too many segments", "a.b.c.d.e.f", false},
		{"empty string", "", false},
		{"too long", strings.Repeat("a", 256), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsValidPublishable(tc.in))
		})
	}
}

func TestIsValidSubscription(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"plus at any segment", "a.+.c", true},
		{"hash only final", "a.b.#", true},
		{"hash not final rejected", "a.#.c", false},
		{"bare hash", "#", true},
		{"plus and hash combined", "a.+.#", true},
		{"double plus", "+.+", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsValidSubscription(tc.in))
		})
	}
}

func TestCanonicalIsIdempotent(t *testing.T) {
	inputs := []string{"Baggage.Events", "A.B.C", "already.lower"}
	for _, in := range inputs {
		once := Canonical(in)
		twice := Canonical(once)
		assert.Equal(t, once, twice)
		assert.Equal(t, strings.Count(in, "."), strings.Count(once, "."))
	}
}

func TestCanonicalPreservesValidity(t *testing.T) {
	in := "Baggage.Events"
	assert.True(t, IsValidPublishable(Canonical(in)))
}

func TestParent(t *testing.T) {
	p, ok := Parent("a.b.c")
	assert.True(t, ok)
	assert.Equal(t, "a.b", p)

	_, ok = Parent("a")
	assert.False(t, ok)
}

func TestIsDescendant(t *testing.T) {
	assert.True(t, IsDescendant("a.b.c", "a.b"))
	assert.False(t, IsDescendant("a.b", "a.b"))
	assert.False(t, IsDescendant("a.c", "a.b"))
	assert.False(t, IsDescendant("a", "a.b"))
}

func TestIsSystemTopic(t *testing.T) {
	assert.True(t, IsSystemTopic("system.heartbeat"))
	assert.False(t, IsSystemTopic("baggage.events"))
}
