// Package network contains the message transport used by the session host.
package network

import (
	"errors"
	"sync/atomic"

	"github.com/giongto35/cloud-session/pkg/api"
)

var ErrClosed = errors.New("channel closed")

// Channel is a bidirectional message-oriented transport.
// Send must be safe for concurrent use. The OnMessage handler is called
// from the channel receive goroutine and must not block.
type Channel interface {
	Send(id api.MessageId, sessionId string, payload any) error
	OnMessage(fn func(api.Envelope))
	Close() error
	// Done is closed when the channel is disconnected.
	Done() <-chan struct{}
}

// Scoped is a per-session view of a shared channel that stamps
// every message with its session id.
// Closing the view never closes the underlying channel.
type Scoped struct {
	ch        Channel
	sessionId string
	closed    atomic.Bool
}

func Scope(ch Channel, sessionId string) *Scoped { return &Scoped{ch: ch, sessionId: sessionId} }

func (s *Scoped) Send(id api.MessageId, payload any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.ch.Send(id, s.sessionId, payload)
}

func (s *Scoped) SessionId() string { return s.sessionId }
func (s *Scoped) IsClosed() bool    { return s.closed.Load() }
func (s *Scoped) Close() error      { s.closed.Store(true); return nil }
