package obslog

import (
	"io"

	"github.com/rs/zerolog"
)

// Zerolog adapts a zerolog.Logger to the broker's Logger interface.
type Zerolog struct {
	log zerolog.Logger
}

// NewZerolog constructs a Logger writing to w in zerolog's default JSON form.
func NewZerolog(w io.Writer) *Zerolog {
	return &Zerolog{log: zerolog.New(w).With().Timestamp().Logger()}
}

func apply(ev *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	return ev
}

func (z *Zerolog) Debug(msg string, fields ...Field) {
	apply(z.log.Debug(), fields).Msg(msg)
}

func (z *Zerolog) Info(msg string, fields ...Field) {
	apply(z.log.Info(), fields).Msg(msg)
}

func (z *Zerolog) Warn(msg string, fields ...Field) {
	apply(z.log.Warn(), fields).Msg(msg)
}

func (z *Zerolog) Error(msg string, err error, fields ...Field) {
	apply(z.log.Error().Err(err), fields).Msg(msg)
}
