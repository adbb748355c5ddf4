// Package registry keeps the negotiation sessions of the seats and
// routes the transport messages to them.
//
// The transport callbacks only put messages into the inbox, everything
// else happens in Tick, which is called from one goroutine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/input"
	"github.com/giongto35/cloud-session/pkg/logger"
	"github.com/giongto35/cloud-session/pkg/monitoring"
	"github.com/giongto35/cloud-session/pkg/network"
	"github.com/giongto35/cloud-session/pkg/presence"
	"github.com/giongto35/cloud-session/pkg/reliable"
	"github.com/giongto35/cloud-session/pkg/session"
)

var (
	ErrSessionExists    = errors.New("session exists")
	ErrIdentityMismatch = errors.New("identity mismatch")
	ErrNoSession        = errors.New("no session")
)

const transportClosed = "transport closed"

// Listener is told about the session lifecycle.
// All the methods are called from the tick goroutine.
type Listener interface {
	OnJoin(id api.Identity)
	OnExit(id api.Identity)
	OnStreaming(seat api.SeatIndex)
	OnSessionFailed(seat api.SeatIndex, reason string)
}

type NopListener struct{}

func (NopListener) OnJoin(api.Identity)                   {}
func (NopListener) OnExit(api.Identity)                   {}
func (NopListener) OnStreaming(api.SeatIndex)             {}
func (NopListener) OnSessionFailed(api.SeatIndex, string) {}

type failure struct {
	session *session.Session
	reason  string
}

type Registry struct {
	ch       network.Channel
	inbox    *network.Inbox
	presence *presence.Store
	queue    *reliable.Queue
	listener Listener
	metrics  *monitoring.Metrics
	log      *logger.Logger

	peers  session.PeerFactory
	tracks session.TrackSource
	input  input.Injector
	opts   session.Options

	handlers map[api.MessageId]func(api.Envelope)

	mu       sync.Mutex
	sessions map[api.SeatIndex]*session.Session
	closed   []*session.Session

	fmu      sync.Mutex
	failures []failure
}

type Option func(*Registry)

func WithPresence(s *presence.Store) Option       { return func(r *Registry) { r.presence = s } }
func WithQueue(q *reliable.Queue) Option          { return func(r *Registry) { r.queue = q } }
func WithListener(l Listener) Option              { return func(r *Registry) { r.listener = l } }
func WithMetrics(m *monitoring.Metrics) Option    { return func(r *Registry) { r.metrics = m } }
func WithLogger(log *logger.Logger) Option        { return func(r *Registry) { r.log = log } }
func WithSessionOptions(o session.Options) Option { return func(r *Registry) { r.opts = o } }
func WithInputLimit(n int) Option                 { return func(r *Registry) { r.inbox = network.NewInbox(n) } }
func WithTracks(t session.TrackSource) Option     { return func(r *Registry) { r.tracks = t } }
func WithInput(in input.Injector) Option          { return func(r *Registry) { r.input = in } }

// New makes a registry that takes the messages of the channel.
func New(ch network.Channel, peers session.PeerFactory, opts ...Option) *Registry {
	r := &Registry{
		ch:       ch,
		inbox:    network.NewInbox(0),
		listener: NopListener{},
		log:      logger.Default(),
		peers:    peers,
		handlers: make(map[api.MessageId]func(api.Envelope)),
		sessions: make(map[api.SeatIndex]*session.Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Module("registry")
	if r.presence == nil {
		r.presence = presence.NewStore(presence.WithLogger(r.log))
	}
	if r.queue == nil {
		r.queue = reliable.NewQueue()
	}
	ch.OnMessage(r.inbox.Push)
	return r
}

// Handle registers a handler for the messages the registry doesn't know about.
// Should be called before the first tick.
func (r *Registry) Handle(id api.MessageId, fn func(api.Envelope)) { r.handlers[id] = fn }

func (r *Registry) Presence() *presence.Store { return r.presence }
func (r *Registry) Queue() *reliable.Queue    { return r.queue }

func (r *Registry) Get(seat api.SeatIndex) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[seat]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// OnJoin creates and starts the session of the seat.
// A seat keeps its session until the session is removed on exit or failure.
func (r *Registry) OnJoin(id api.Identity, local bool) error {
	r.mu.Lock()
	if s, ok := r.sessions[id.Seat]; ok {
		r.mu.Unlock()
		r.log.Warn().Str("bound", s.Identity().String()).Str("incoming", id.String()).Msg("Join rejected, the seat has a session")
		return fmt.Errorf("join %v: %w", id, ErrSessionExists)
	}
	opts := r.opts
	opts.LocalDevice = local
	s := session.New(id, network.Scope(r.ch, id.Seat.SessionId()), session.Deps{
		Peers:  r.peers,
		Tracks: r.tracks,
		Input:  r.input,
		Events: r,
	}, opts, r.log)
	r.sessions[id.Seat] = s
	r.mu.Unlock()

	r.metrics.SessionOpened()
	if err := s.Start(); err != nil {
		r.remove(s)
		s.Close()
		r.mu.Lock()
		r.closed = append(r.closed, s)
		r.mu.Unlock()
		r.presence.Exit(id)
		r.metrics.SessionClosed("failed")
		return fmt.Errorf("join %v: %w", id, err)
	}
	r.listener.OnJoin(id)
	return nil
}

// OnExit closes the session of the seat if it belongs to the user.
func (r *Registry) OnExit(id api.Identity) error {
	r.mu.Lock()
	s, ok := r.sessions[id.Seat]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("exit %v: %w", id, ErrNoSession)
	}
	if bound := s.Identity(); bound != id {
		r.mu.Unlock()
		r.log.Warn().Str("bound", bound.String()).Str("incoming", id.String()).Msg("Exit rejected")
		return fmt.Errorf("exit %v: %w", id, ErrIdentityMismatch)
	}
	delete(r.sessions, id.Seat)
	r.closed = append(r.closed, s)
	r.mu.Unlock()

	s.Close()
	r.metrics.SessionClosed("exit")
	r.listener.OnExit(id)
	return nil
}

// Dispatch routes one message.
func (r *Registry) Dispatch(e api.Envelope) error {
	switch {
	case e.Id == api.JoinRoom:
		rq, err := api.Unwrap[api.JoinRoomRequest](e)
		if err != nil {
			return err
		}
		if !r.presence.Join(rq.Identity) {
			return nil
		}
		return r.OnJoin(rq.Identity, rq.LocalDevice)
	case e.Id == api.JoinRoomNotify:
		n, err := api.Unwrap[api.JoinRoomNotification](e)
		if err != nil {
			return err
		}
		r.presence.Query(n.Identity)
		return nil
	case e.Id == api.ExitRoom:
		rq, err := api.Unwrap[api.ExitRoomRequest](e)
		if err != nil {
			return err
		}
		err = r.OnExit(rq.Identity)
		if errors.Is(err, ErrIdentityMismatch) {
			return err
		}
		r.presence.Exit(rq.Identity)
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		return err
	case e.Id.IsSignaling(), e.Id.IsInput():
		seat, err := e.Seat()
		if err != nil {
			return err
		}
		s := r.Get(seat)
		if s == nil {
			return fmt.Errorf("%v for seat %v: %w", e.Id, seat, ErrNoSession)
		}
		return s.Dispatch(e)
	case e.Id == api.ErrorNotify:
		n, err := api.Unwrap[api.ErrorNotification](e)
		if err != nil {
			return err
		}
		r.log.Warn().Int(logger.SeatField, int(n.Seat)).Msgf("Remote error: %v", n.Reason)
		return nil
	}
	if fn, ok := r.handlers[e.Id]; ok {
		fn(e)
		return nil
	}
	r.log.Debug().Msgf("Unhandled %v", e.Id)
	return nil
}

// Tick processes everything that has come since the last tick:
// the messages, the failed sessions, the media tracks and the retry queue.
func (r *Registry) Tick() {
	ordinary, in := r.inbox.Drain()
	for _, e := range ordinary {
		r.dispatch(e)
	}
	for _, e := range in {
		r.dispatch(e)
	}

	r.processFailures()

	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Tick()
	}

	r.queue.Process()
	r.metrics.QueueDepth(r.queue.Len(), r.inbox.Len())
	r.reap()
}

// Run ticks with the period until the context is done or the transport is closed.
func (r *Registry) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.CloseAll(ctx.Err().Error())
			return ctx.Err()
		case <-r.ch.Done():
			r.Tick()
			r.CloseAll(transportClosed)
			return network.ErrClosed
		case <-ticker.C:
			r.Tick()
		}
	}
}

// CloseAll closes every session and forgets the seats.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[api.SeatIndex]*session.Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		s.Wait()
		r.metrics.SessionClosed("closed")
	}
	r.reap()
	r.presence.Reset()
	if len(sessions) > 0 {
		r.log.Info().Int("sessions", len(sessions)).Msgf("All sessions closed, %v", reason)
	}
}

// OnStreaming is called by the sessions from Tick.
func (r *Registry) OnStreaming(seat api.SeatIndex) {
	r.metrics.SessionStreaming()
	r.listener.OnStreaming(seat)
}

// OnFailed is called by the sessions, the failure is handled on the next tick.
func (r *Registry) OnFailed(s *session.Session, reason string) {
	r.fmu.Lock()
	r.failures = append(r.failures, failure{session: s, reason: reason})
	r.fmu.Unlock()
}

// OnInput is called by the sessions with the data channel input.
func (r *Registry) OnInput(e api.Envelope) { r.inbox.Push(e) }

func (r *Registry) dispatch(e api.Envelope) {
	if err := r.Dispatch(e); err != nil {
		ev := r.log.Debug()
		if errors.Is(err, api.ErrMalformed) {
			ev = r.log.Warn()
		}
		ev.Err(err).Str(logger.DirectionField, "←").Msgf("%v skipped", e.Id)
	}
}

func (r *Registry) processFailures() {
	r.fmu.Lock()
	failures := r.failures
	r.failures = nil
	r.fmu.Unlock()

	for _, f := range failures {
		seat := f.session.Seat()
		// the session may have been replaced by an exit and a new join
		// or closed with the rest, then there is nothing to report
		r.mu.Lock()
		current := r.sessions[seat] == f.session
		if current {
			delete(r.sessions, seat)
			r.closed = append(r.closed, f.session)
		}
		r.mu.Unlock()
		if !current {
			r.log.Debug().Int(logger.SeatField, int(seat)).Msgf("Stale failure skipped: %v", f.reason)
			continue
		}

		r.log.Error().Int(logger.SeatField, int(seat)).Msgf("Session failed: %v", f.reason)
		r.metrics.NegotiationFailed()
		r.metrics.SessionClosed("failed")
		err := r.ch.Send(api.ErrorNotify, seat.SessionId(), api.ErrorNotification{Seat: seat, Reason: f.reason})
		if err != nil {
			r.log.Warn().Err(err).Msg("Error notification was not sent")
		}
		r.listener.OnSessionFailed(seat, f.reason)
	}
}

func (r *Registry) remove(s *session.Session) {
	r.mu.Lock()
	if r.sessions[s.Seat()] == s {
		delete(r.sessions, s.Seat())
	}
	r.mu.Unlock()
}

// reap waits for the negotiation goroutines of the closed sessions.
func (r *Registry) reap() {
	r.mu.Lock()
	closed := r.closed
	r.closed = nil
	r.mu.Unlock()
	for _, s := range closed {
		s.Wait()
	}
}
