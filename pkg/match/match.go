// Package match talks to the matchmaking side of the transport.
// Every request is a reliable call: it is retried with backoff on a
// timeout or a failed status, and deferred to the retry queue while
// the transport is not connected.
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/logger"
	"github.com/giongto35/cloud-session/pkg/network"
	"github.com/giongto35/cloud-session/pkg/reliable"
	"github.com/gofrs/uuid"
)

const callTimeout = 5 * time.Second

var (
	ErrTimeout = errors.New("timeout")
	// ErrDeferred means the request waits in the retry queue.
	ErrDeferred = errors.New("deferred")
)

type call struct {
	done chan struct{}
	resp api.Envelope
}

type Client struct {
	ch        network.Channel
	queue     *reliable.Queue
	policy    reliable.Policy
	timeout   time.Duration
	connected func() bool
	observer  reliable.Observer
	group     *taskgroup.Group
	ctx       context.Context
	log       *logger.Logger

	mu           sync.Mutex
	calls        map[string]*call
	onEndGame    func(api.EndGameNotification)
	onPodMessage func(api.PodMessageNotification)
}

type Option func(*Client)

func WithPolicy(p reliable.Policy) Option     { return func(c *Client) { c.policy = p } }
func WithTimeout(t time.Duration) Option      { return func(c *Client) { c.timeout = t } }
func WithObserver(o reliable.Observer) Option { return func(c *Client) { c.observer = o } }
func WithLogger(log *logger.Logger) Option    { return func(c *Client) { c.log = log } }
func WithConnected(fn func() bool) Option     { return func(c *Client) { c.connected = fn } }
func WithGroup(g *taskgroup.Group) Option     { return func(c *Client) { c.group = g } }
func WithContext(ctx context.Context) Option  { return func(c *Client) { c.ctx = ctx } }
func WithEndGame(fn func(api.EndGameNotification)) Option {
	return func(c *Client) { c.onEndGame = fn }
}
func WithPodMessage(fn func(api.PodMessageNotification)) Option {
	return func(c *Client) { c.onPodMessage = fn }
}

// New creates a client sending over the channel, the deferred
// calls go into the queue.
func New(ch network.Channel, queue *reliable.Queue, opts ...Option) *Client {
	c := &Client{
		ch:      ch,
		queue:   queue,
		policy:  reliable.DefaultPolicy(),
		timeout: callTimeout,
		ctx:     context.Background(),
		log:     logger.Default(),
		calls:   make(map[string]*call),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Module("match")
	return c
}

// Ids lists the messages the client handles.
func (c *Client) Ids() []api.MessageId {
	return []api.MessageId{api.MatchResp, api.CancelMatchResp, api.EndGameNotify, api.PodMessageNotify}
}

func (c *Client) Match(ctx context.Context, rq api.MatchRequest) (api.MatchResponse, error) {
	return invoke(ctx, newCall(c, "match", rq, request[api.MatchRequest, api.MatchResponse](c, api.MatchReq)))
}

func (c *Client) CancelMatch(ctx context.Context, rq api.CancelMatchRequest) (api.CancelMatchResponse, error) {
	return invoke(ctx, newCall(c, "cancel-match", rq, request[api.CancelMatchRequest, api.CancelMatchResponse](c, api.CancelMatchReq)))
}

// EndGame has no response, it is done once sent.
func (c *Client) EndGame(ctx context.Context, rq api.EndGameRequest) error {
	_, err := invoke(ctx, newCall(c, "end-game", rq, send[api.EndGameRequest](c, api.EndGameReq)))
	return err
}

// PodMessage has no response, it is done once sent.
func (c *Client) PodMessage(ctx context.Context, rq api.PodMessageRequest) error {
	_, err := invoke(ctx, newCall(c, "pod-message", rq, send[api.PodMessageRequest](c, api.PodMessageReq)))
	return err
}

// Handle takes the matchmaking responses and notifications.
func (c *Client) Handle(e api.Envelope) {
	switch e.Id {
	case api.MatchResp, api.CancelMatchResp:
		c.mu.Lock()
		task, ok := c.calls[e.SessionId]
		if ok {
			delete(c.calls, e.SessionId)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Debug().Str("rid", e.SessionId).Msgf("Late %v, skipped", e.Id)
			return
		}
		task.resp = e
		close(task.done)
	case api.EndGameNotify:
		n, err := api.Unwrap[api.EndGameNotification](e)
		if err != nil {
			c.log.Warn().Err(err).Msg("Bad end game notification")
			return
		}
		if c.onEndGame != nil {
			c.onEndGame(*n)
		}
	case api.PodMessageNotify:
		n, err := api.Unwrap[api.PodMessageNotification](e)
		if err != nil {
			c.log.Warn().Err(err).Msg("Bad pod message")
			return
		}
		if c.onPodMessage != nil {
			c.onPodMessage(*n)
		}
	}
}

// Pending is the number of requests waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *Client) notConnected() string {
	if c.connected != nil && !c.connected() {
		return "not connected"
	}
	return ""
}

func (c *Client) expect(rid string) *call {
	task := &call{done: make(chan struct{})}
	c.mu.Lock()
	c.calls[rid] = task
	c.mu.Unlock()
	return task
}

func (c *Client) forget(rid string) {
	c.mu.Lock()
	delete(c.calls, rid)
	c.mu.Unlock()
}

func newCall[Rq, Rs any](c *Client, name string, rq Rq, p reliable.Producer[Rq, Rs]) *reliable.Call[Rq, Rs] {
	return reliable.NewCall(name, rq, p,
		reliable.WithPolicy[Rq, Rs](c.policy),
		reliable.WithGiveUpCheck[Rq, Rs](c.notConnected),
		reliable.WithFailHandler[Rq, Rs](c.queue.FailHandler),
		reliable.WithObserver[Rq, Rs](c.observer),
		reliable.WithGroup[Rq, Rs](c.group),
		reliable.WithContext[Rq, Rs](c.ctx),
		reliable.WithLogger[Rq, Rs](c.log),
	)
}

func invoke[Rq, Rs any](ctx context.Context, call *reliable.Call[Rq, Rs]) (Rs, error) {
	res, err := call.Invoke(ctx)
	var gu *reliable.GiveUpError
	if errors.As(err, &gu) && gu.Reason == reliable.Deferred {
		return res.Value, fmt.Errorf("%v: %w", call.Name(), ErrDeferred)
	}
	return res.Value, err
}

// request sends the request and waits for the response with the same request id.
func request[Rq any, Rs interface{ GetStatus() api.Status }](c *Client, id api.MessageId) reliable.Producer[Rq, Rs] {
	return func(ctx context.Context, rq Rq) (reliable.Result[Rs], error) {
		rid := uuid.Must(uuid.NewV4()).String()
		task := c.expect(rid)
		defer c.forget(rid)

		if err := c.ch.Send(id, rid, rq); err != nil {
			return reliable.Result[Rs]{}, err
		}
		c.log.Debug().Str(logger.DirectionField, "→").Str("rid", rid).Msgf("%v", id)

		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		select {
		case <-task.done:
		case <-timer.C:
			return reliable.Result[Rs]{}, fmt.Errorf("%v: %w", id, ErrTimeout)
		case <-ctx.Done():
			return reliable.Result[Rs]{}, ctx.Err()
		}

		rs, err := api.Unwrap[Rs](task.resp)
		if err != nil {
			return reliable.Result[Rs]{}, err
		}
		if st := (*rs).GetStatus(); !st.Ok {
			r := reliable.Fail[Rs](st.Code, st.Message)
			r.Value = *rs
			return r, nil
		}
		return reliable.Ok(*rs), nil
	}
}

func send[Rq any](c *Client, id api.MessageId) reliable.Producer[Rq, struct{}] {
	return func(_ context.Context, rq Rq) (reliable.Result[struct{}], error) {
		if err := c.ch.Send(id, uuid.Must(uuid.NewV4()).String(), rq); err != nil {
			return reliable.Result[struct{}]{}, err
		}
		return reliable.Ok(struct{}{}), nil
	}
}
