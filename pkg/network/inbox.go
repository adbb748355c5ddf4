package network

import (
	"sync"

	"github.com/giongto35/cloud-session/pkg/api"
)

// Inbox buffers the messages received between two processing ticks.
// Input messages are kept apart so a flood of them can't delay
// the signaling and the room control messages.
type Inbox struct {
	mu       sync.Mutex
	ordinary []api.Envelope
	input    []api.Envelope
	// max input messages handed out per drain, 0 is unlimited
	inputLimit int
}

func NewInbox(inputLimit int) *Inbox { return &Inbox{inputLimit: max(inputLimit, 0)} }

// Push is safe to call from any goroutine.
func (i *Inbox) Push(e api.Envelope) {
	i.mu.Lock()
	if e.Id.IsInput() {
		i.input = append(i.input, e)
	} else {
		i.ordinary = append(i.ordinary, e)
	}
	i.mu.Unlock()
}

// Drain takes out all the ordinary messages and up to the limit
// of the input ones, both in the arrival order.
// The input messages over the limit stay for the next drain.
func (i *Inbox) Drain() (ordinary, input []api.Envelope) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ordinary, i.ordinary = i.ordinary, nil
	if i.inputLimit == 0 || len(i.input) <= i.inputLimit {
		input, i.input = i.input, nil
		return
	}
	input = make([]api.Envelope, i.inputLimit)
	copy(input, i.input)
	rest := make([]api.Envelope, len(i.input)-i.inputLimit)
	copy(rest, i.input[i.inputLimit:])
	i.input = rest
	return
}

func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.ordinary) + len(i.input)
}
