package broker

import (
	"time"

	"github.com/nexusmsg/broker/obslog"
)

// Option configures a Broker at construction time.
type Option func(*Options)

// Options holds every tunable the broker needs. Core never parses
// configuration from a file or environment; callers resolve values and pass
// them in here or via the With* options below.
type Options struct {
	Logger obslog.Logger

	RateWindow time.Duration

	HeartbeatRetryTimeout      time.Duration
	HeartbeatDeregisterTimeout time.Duration

	DefaultRequestTimeout time.Duration
	MaxRequestTimeout     time.Duration
	MaxOutstanding        int

	MaxHeaderBytes  int
	MaxPayloadBytes int
}

func defaultOptions() Options {
	return Options{
		Logger:                     obslog.Noop{},
		RateWindow:                 time.Minute,
		HeartbeatRetryTimeout:      30 * time.Second,
		HeartbeatDeregisterTimeout: 90 * time.Second,
		DefaultRequestTimeout:      30 * time.Second,
		MaxRequestTimeout:          5 * time.Minute,
		MaxOutstanding:             10000,
		MaxHeaderBytes:             4096,
		MaxPayloadBytes:            1 << 20,
	}
}

// WithLogger sets the structured logger every subsystem logs through. New
// always wraps it in an *obslog.Stream so records also reach the system.log
// fanout.
func WithLogger(logger obslog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithRateWindow sets the sliding window rate slots measure events over.
func WithRateWindow(d time.Duration) Option {
	return func(o *Options) { o.RateWindow = d }
}

// WithHeartbeatTimeouts sets the retry probe and hard-deregister durations
// for the service liveness state machine. retry must be smaller than
// deregister or services will never get a chance to answer the probe.
func WithHeartbeatTimeouts(retry, deregister time.Duration) Option {
	return func(o *Options) {
		o.HeartbeatRetryTimeout = retry
		o.HeartbeatDeregisterTimeout = deregister
	}
}

// WithRequestTimeouts sets the default per-request timeout applied when a
// REQUEST frame omits one, and the hard ceiling on any timeout. A default
// above the ceiling is clamped to it; a caller-supplied header timeout above
// the ceiling is rejected as MALFORMED_MESSAGE.
func WithRequestTimeouts(def, max time.Duration) Option {
	return func(o *Options) {
		o.DefaultRequestTimeout = def
		o.MaxRequestTimeout = max
	}
}

// WithMaxOutstanding bounds the outstanding-request table size. Once full,
// the oldest entry is evicted and answered with SERVICE_UNAVAILABLE.
func WithMaxOutstanding(n int) Option {
	return func(o *Options) { o.MaxOutstanding = n }
}

// WithFrameLimits bounds header and payload sizes the parser will accept
// before rejecting a frame as MALFORMED_MESSAGE.
func WithFrameLimits(maxHeaderBytes, maxPayloadBytes int) Option {
	return func(o *Options) {
		o.MaxHeaderBytes = maxHeaderBytes
		o.MaxPayloadBytes = maxPayloadBytes
	}
}
