package registry

import (
	"time"

	"github.com/nexusmsg/broker/obslog"
	"github.com/nexusmsg/broker/wire"
)

// AttachLogStream subscribes the registry to stream so every log record is
// offered to each service's LogSubscription filter.
func (r *Registry) AttachLogStream(stream *obslog.Stream) {
	stream.Subscribe(r.fanoutLog)
}

func (r *Registry) fanoutLog(level, message string) {
	r.mu.Lock()
	var targets []string
	for id, reg := range r.services {
		if reg.LogSubscription.matches(level, message) {
			targets = append(targets, id)
		}
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	payload := struct {
		Level     string    `json:"level"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	}{Level: level, Message: message, Timestamp: time.Now()}

	h := wire.Header{Action: wire.ActionResponse, Topic: "system.log", Version: "1.0.0"}
	frame, err := wire.SerializeValue(h, payload)
	if err != nil {
		return
	}
	for _, id := range targets {
		_ = r.send(id, frame)
	}
}
