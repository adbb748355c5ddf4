package reliable

import "sync"

// Queue holds the calls waiting to be replayed on the next processing tick.
type Queue struct {
	mu    sync.Mutex
	calls []Retryable
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Enqueue(c Retryable) {
	q.mu.Lock()
	q.calls = append(q.calls, c)
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

// Process replays the queued calls in the enqueue order.
// Calls enqueued while processing wait for the next round.
func (q *Queue) Process() int {
	q.mu.Lock()
	work := q.calls
	q.calls = nil
	q.mu.Unlock()

	for _, c := range work {
		c.CallRetry()
	}
	return len(work)
}

// FailHandler enqueues the deferred calls that still want to be retried.
func (q *Queue) FailHandler(c Retryable, reason Reason) {
	if reason != Deferred {
		return
	}
	if r, ok := c.(interface{ RetryEnabled() bool }); ok && !r.RetryEnabled() {
		return
	}
	q.Enqueue(c)
}
