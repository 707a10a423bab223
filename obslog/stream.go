package obslog

import "sync"

// Observer receives every log record written through a Stream, after it has
// been forwarded to the underlying Logger.
type Observer func(level, message string)

// Stream decorates a Logger with a fan-out point: the registry subscribes
// here to implement the system.log fanout without coupling to a specific
// logging backend.
type Stream struct {
	inner Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewStream wraps inner so every record is also delivered to subscribed
// Observers.
func NewStream(inner Logger) *Stream {
	if inner == nil {
		inner = Noop{}
	}
	return &Stream{inner: inner}
}

// Subscribe registers an Observer and returns a function that removes it.
func (s *Stream) Subscribe(obs Observer) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
	idx := len(s.observers) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.observers) {
			s.observers[idx] = nil
		}
	}
}

func (s *Stream) notify(level, message string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, obs := range s.observers {
		if obs != nil {
			obs(level, message)
		}
	}
}

func (s *Stream) Debug(msg string, fields ...Field) {
	s.inner.Debug(msg, fields...)
	s.notify("debug", msg)
}

func (s *Stream) Info(msg string, fields ...Field) {
	s.inner.Info(msg, fields...)
	s.notify("info", msg)
}

func (s *Stream) Warn(msg string, fields ...Field) {
	s.inner.Warn(msg, fields...)
	s.notify("warn", msg)
}

func (s *Stream) Error(msg string, err error, fields ...Field) {
	s.inner.Error(msg, err, fields...)
	s.notify("error", msg)
}
