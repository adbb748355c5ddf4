// Package input hands the remote control events over to the injection backend.
package input

import (
	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/logger"
)

// Event is a mouse, keyboard or touch event of a seat.
type Event struct {
	Seat    api.SeatIndex
	Kind    api.MessageId
	Payload api.InputPayload
}

// Injector delivers the events into the application.
// Events are passed as is, their semantics is the injector's concern.
type Injector interface {
	Inject(Event) error
}

type Func func(Event) error

func (f Func) Inject(e Event) error { return f(e) }

// FromEnvelope builds an input event from a wire message.
func FromEnvelope(seat api.SeatIndex, e api.Envelope) (Event, error) {
	p, err := api.Unwrap[api.InputPayload](e)
	if err != nil {
		return Event{}, err
	}
	return Event{Seat: seat, Kind: e.Id, Payload: *p}, nil
}

// Log is an injector that only writes the events into the log.
type Log struct {
	log *logger.Logger
}

func NewLog(log *logger.Logger) *Log { return &Log{log: log.Module("input")} }

func (l *Log) Inject(e Event) error {
	ev := l.log.Debug().Int(logger.SeatField, int(e.Seat)).Str("kind", e.Kind.String()).
		Str("action", e.Payload.Action).Str("target", e.Payload.Target)
	if c := e.Payload.Coordinates; c != nil {
		ev = ev.Float64("x", c.X).Float64("y", c.Y)
	}
	ev.Msg("input")
	return nil
}
