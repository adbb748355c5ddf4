// Package reliable wraps request/response operations over an unreliable
// transport into calls with bounded linear-backoff retries.
package reliable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"
	"github.com/giongto35/cloud-session/pkg/logger"
	"github.com/gofrs/uuid"
)

var ErrInFlight = errors.New("call in flight")

type State int

const (
	None State = iota
	InProgress
	Success
	Failed
)

func (s State) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "none"
	}
}

// Reason tells why a failed call stopped retrying.
type Reason int

const (
	NoReason Reason = iota
	// Busy means the call is still running or has already succeeded.
	Busy
	Disabled
	LimitReached
	// Deferred calls are given up by the extra predicate and wait to be
	// replayed by the dispatch queue.
	Deferred
	ShuttingDown
	Cancelled
)

func (r Reason) String() string {
	switch r {
	case Busy:
		return "busy"
	case Disabled:
		return "retry disabled"
	case LimitReached:
		return "retry limit reached"
	case Deferred:
		return "deferred"
	case ShuttingDown:
		return "shutting down"
	case Cancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// GiveUpError is the terminal failure of a call.
type GiveUpError struct {
	Reason Reason
	Detail string
}

func (e *GiveUpError) Error() string {
	if e.Detail == "" {
		return "gave up: " + e.Reason.String()
	}
	return fmt.Sprintf("gave up: %v (%v)", e.Reason, e.Detail)
}

type (
	Producer[Rq, Rs any]      func(ctx context.Context, request Rq) (Result[Rs], error)
	AsyncProducer[Rq, Rs any] func(ctx context.Context, request Rq) <-chan Result[Rs]
)

// FromAsync turns an asynchronous producer into a blocking one.
func FromAsync[Rq, Rs any](fn AsyncProducer[Rq, Rs]) Producer[Rq, Rs] {
	return func(ctx context.Context, request Rq) (Result[Rs], error) {
		select {
		case r, ok := <-fn(ctx, request):
			if !ok {
				return Result[Rs]{}, errors.New("no result")
			}
			return r, nil
		case <-ctx.Done():
			return Result[Rs]{}, ctx.Err()
		}
	}
}

// Observer receives the call counters.
type Observer interface {
	CallAttempt(name string)
	CallRetry(name string)
	CallGiveUp(name string, reason string)
}

// Retryable is a call that can be replayed from the dispatch queue.
type Retryable interface {
	Name() string
	CallRetry()
}

// Call is a single logical request with its retry bookkeeping.
// Only one invocation of a call runs at a time.
type Call[Rq, Rs any] struct {
	name     string
	id       uuid.UUID
	request  Rq
	producer Producer[Rq, Rs]
	policy   Policy

	retry    atomic.Bool
	inFlight atomic.Bool
	extra    func() string
	onGiveUp func(Retryable, Reason)
	observer Observer
	group    *taskgroup.Group
	ctx      context.Context
	log      *logger.Logger

	mu         sync.Mutex
	callCount  int
	retryCount int
	state      State
	last       Result[Rs]
}

type Option[Rq, Rs any] func(*Call[Rq, Rs])

func WithPolicy[Rq, Rs any](p Policy) Option[Rq, Rs] {
	return func(c *Call[Rq, Rs]) { c.policy = p }
}

func WithRetry[Rq, Rs any](enabled bool) Option[Rq, Rs] {
	return func(c *Call[Rq, Rs]) { c.retry.Store(enabled) }
}

// WithGiveUpCheck adds a predicate checked after the built-in ones.
// A non-empty reason gives up the call as Deferred.
func WithGiveUpCheck[Rq, Rs any](fn func() string) Option[Rq, Rs] {
	return func(c *Call[Rq, Rs]) { c.extra = fn }
}

// WithFailHandler sets the handler called on every give-up.
func WithFailHandler[Rq, Rs any](fn func(Retryable, Reason)) Option[Rq, Rs] {
	return func(c *Call[Rq, Rs]) { c.onGiveUp = fn }
}

func WithObserver[Rq, Rs any](o Observer) Option[Rq, Rs] {
	return func(c *Call[Rq, Rs]) { c.observer = o }
}

// WithGroup runs the replays from the dispatch queue in the group.
func WithGroup[Rq, Rs any](g *taskgroup.Group) Option[Rq, Rs] {
	return func(c *Call[Rq, Rs]) { c.group = g }
}

// WithContext sets the context of the replays.
func WithContext[Rq, Rs any](ctx context.Context) Option[Rq, Rs] {
	return func(c *Call[Rq, Rs]) { c.ctx = ctx }
}

func WithLogger[Rq, Rs any](log *logger.Logger) Option[Rq, Rs] {
	return func(c *Call[Rq, Rs]) { c.log = log }
}

func NewCall[Rq, Rs any](name string, request Rq, producer Producer[Rq, Rs], opts ...Option[Rq, Rs]) *Call[Rq, Rs] {
	c := &Call[Rq, Rs]{
		name:     name,
		id:       uuid.Must(uuid.NewV4()),
		request:  request,
		producer: producer,
		policy:   DefaultPolicy(),
		ctx:      context.Background(),
		log:      logger.Default(),
	}
	c.retry.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Extend(c.log.With().Str(logger.CallField, name).Str("cid", c.id.String()[:8]))
	return c
}

func (c *Call[Rq, Rs]) Name() string       { return c.name }
func (c *Call[Rq, Rs]) Id() uuid.UUID      { return c.id }
func (c *Call[Rq, Rs]) Request() Rq        { return c.request }
func (c *Call[Rq, Rs]) RetryEnabled() bool { return c.retry.Load() }

func (c *Call[Rq, Rs]) SetRetry(enabled bool) { c.retry.Store(enabled) }

func (c *Call[Rq, Rs]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counts returns the total number of invocations and the current retry number.
func (c *Call[Rq, Rs]) Counts() (calls, retries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount, c.retryCount
}

func (c *Call[Rq, Rs]) LastResponse() Result[Rs] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Invoke runs the producer until it succeeds or the call gives up.
// The give-up is returned as a *GiveUpError along with the last failed response.
func (c *Call[Rq, Rs]) Invoke(ctx context.Context) (Result[Rs], error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return Result[Rs]{}, ErrInFlight
	}
	defer c.inFlight.Store(false)

	for {
		res := c.attempt(ctx)
		if res.Ok {
			return res, nil
		}

		reason, detail := c.checkGiveUp()
		if reason == NoReason {
			c.mu.Lock()
			wait := c.policy.Wait(c.retryCount)
			c.mu.Unlock()
			c.log.Debug().Msgf("%v, retry in %v", res, wait)
			select {
			case <-c.policy.after(wait):
				if c.policy.shuttingDown() {
					c.retry.Store(false)
					reason = ShuttingDown
				}
			case <-ctx.Done():
				reason, detail = Cancelled, ctx.Err().Error()
			}
		}
		if reason != NoReason {
			c.giveUp(res, reason, detail)
			return res, &GiveUpError{Reason: reason, Detail: detail}
		}

		c.mu.Lock()
		c.retryCount++
		c.mu.Unlock()
		if c.observer != nil {
			c.observer.CallRetry(c.name)
		}
	}
}

// CallRetry replays the call in the background.
func (c *Call[Rq, Rs]) CallRetry() {
	run := func() error {
		_, err := c.Invoke(c.ctx)
		if errors.Is(err, ErrInFlight) {
			c.log.Debug().Msg("replay skipped, still running")
		}
		return nil
	}
	if c.group != nil {
		c.group.Go(run)
		return
	}
	go func() { _ = run() }()
}

func (c *Call[Rq, Rs]) attempt(ctx context.Context) (res Result[Rs]) {
	c.mu.Lock()
	c.state = InProgress
	c.callCount++
	c.mu.Unlock()
	if c.observer != nil {
		c.observer.CallAttempt(c.name)
	}

	defer func() {
		if r := recover(); r != nil {
			res = Exception[Rs](fmt.Errorf("panic: %v", r))
		}
		c.mu.Lock()
		c.last = res
		if res.Ok {
			c.state = Success
			c.retryCount = 0
		} else {
			c.state = Failed
		}
		c.mu.Unlock()
	}()

	r, err := c.producer(ctx, c.request)
	if err != nil {
		return Exception[Rs](err)
	}
	return r
}

// checkGiveUp evaluates the give-up conditions in order.
func (c *Call[Rq, Rs]) checkGiveUp() (Reason, string) {
	c.mu.Lock()
	state, retries := c.state, c.retryCount
	c.mu.Unlock()

	if state == InProgress || state == Success {
		return Busy, ""
	}
	if !c.retry.Load() {
		return Disabled, ""
	}
	if retries >= c.policy.Limit {
		return LimitReached, ""
	}
	if c.extra != nil {
		if why := c.extra(); why != "" {
			return Deferred, why
		}
	}
	return NoReason, ""
}

func (c *Call[Rq, Rs]) giveUp(last Result[Rs], reason Reason, detail string) {
	c.mu.Lock()
	c.retryCount = 0
	calls := c.callCount
	c.mu.Unlock()

	ev := c.log.Warn()
	if reason == Deferred {
		ev = c.log.Debug()
	}
	ev.Int("calls", calls).Str("reason", reason.String()).Str("detail", detail).Msgf("give up, %v", last)

	if c.observer != nil {
		c.observer.CallGiveUp(c.name, reason.String())
	}
	if c.onGiveUp != nil {
		c.onGiveUp(c, reason)
	}
}
