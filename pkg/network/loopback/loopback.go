// Package loopback provides an in-memory network.Channel pair
// for local sessions and tests.
package loopback

import (
	"sync"

	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/network"
)

const queueSize = 256

// Pair constructs a connected pair of channels. Messages sent to A are
// received by B and vice versa. Closing either side disconnects both.
func Pair() (A, B *Channel) {
	done := make(chan struct{})
	once := &sync.Once{}
	A = &Channel{in: make(chan []byte, queueSize), done: done, once: once}
	B = &Channel{in: make(chan []byte, queueSize), done: done, once: once}
	A.peer, B.peer = B, A
	go A.pump()
	go B.pump()
	return
}

type Channel struct {
	peer *Channel
	in   chan []byte

	mu      sync.RWMutex
	handler func(api.Envelope)

	done chan struct{}
	once *sync.Once
}

// Send encodes the message the same way a network transport would.
func (c *Channel) Send(id api.MessageId, sessionId string, payload any) error {
	e, err := api.NewEnvelope(id, sessionId, payload)
	if err != nil {
		return err
	}
	data, err := api.Encode(e)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return network.ErrClosed
	default:
	}
	select {
	case c.peer.in <- data:
		return nil
	case <-c.done:
		return network.ErrClosed
	}
}

func (c *Channel) OnMessage(fn func(api.Envelope)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *Channel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) pump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.in:
			e, err := api.Decode(data)
			if err != nil {
				continue
			}
			c.mu.RLock()
			fn := c.handler
			c.mu.RUnlock()
			if fn != nil {
				fn(e)
			}
		}
	}
}
