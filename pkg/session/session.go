// Package session implements the per-seat WebRTC negotiation.
//
// A session goes through these states:
//
//	Idle -> Connecting -> Streaming -> Closed
//
// It moves to Connecting when the seat is joined and the peer connection
// is created, to Streaming when the media track of the seat is attached and
// to Closed on exit, transport loss or a failed negotiation.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/input"
	"github.com/giongto35/cloud-session/pkg/logger"
	"github.com/giongto35/cloud-session/pkg/network"
)

var (
	ErrClosed  = errors.New("session closed")
	ErrTimeout = errors.New("timeout")
)

type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return "idle"
	}
}

const dataChannelLabel = "data"

// Events is what the owner of the session is told about.
// The methods may be called from any goroutine.
type Events interface {
	OnStreaming(seat api.SeatIndex)
	// OnFailed is called once with the session that failed, after it is closed.
	OnFailed(s *Session, reason string)
	// OnInput receives the input messages of the data channel.
	OnInput(e api.Envelope)
}

type Options struct {
	AnswerTimeout    time.Duration
	GatheringTimeout time.Duration
	// VanillaIce sends the offer with all the candidates inside.
	VanillaIce bool
	// LocalDevice sessions have no peer connection and only take input.
	LocalDevice bool
}

type Deps struct {
	Peers  PeerFactory
	Tracks TrackSource
	Input  input.Injector
	Events Events
}

type Session struct {
	id   api.Identity
	opts Options
	deps Deps
	ch   *network.Scoped
	log  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group

	mu           sync.Mutex
	state        State
	peer         *peer
	dc           DataChannel
	track        Track
	offerPending bool

	negotiate chan struct{}
	offers    chan api.SessionDescription
	answered  chan struct{}

	closeOnce sync.Once
}

func New(id api.Identity, ch *network.Scoped, deps Deps, opts Options, log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		opts:      opts,
		deps:      deps,
		ch:        ch,
		log:       log.Extend(log.With().Int(logger.SeatField, int(id.Seat)).Str(logger.UserField, id.UserId)),
		ctx:       ctx,
		cancel:    cancel,
		tasks:     taskgroup.New(nil),
		negotiate: make(chan struct{}, 1),
		offers:    make(chan api.SessionDescription, 1),
		answered:  make(chan struct{}, 1),
	}
}

func (s *Session) Seat() api.SeatIndex    { return s.id.Seat }
func (s *Session) Identity() api.Identity { return s.id }
func (s *Session) IsLocal() bool          { return s.opts.LocalDevice }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingCandidates is the number of remote candidates waiting for the remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	p := s.peer
	s.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.pendingCount()
}

// Start creates the peer connection with its data channel
// and waits for the negotiation requests.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return nil
	}
	s.state = Connecting
	s.mu.Unlock()
	s.log.Info().Bool("local", s.opts.LocalDevice).Msg("Session start")

	if s.opts.LocalDevice {
		return nil
	}

	pc, err := s.deps.Peers.NewPeer()
	if err != nil {
		return err
	}
	p := &peer{PeerConnection: pc}
	s.mu.Lock()
	s.peer = p
	s.mu.Unlock()

	pc.OnIceCandidate(s.handleIceCandidate)
	pc.OnNegotiationNeeded(s.RequestNegotiation)
	pc.OnConnectionStateChange(s.handlePeerState)

	s.tasks.Go(s.loop)

	dc, err := pc.CreateDataChannel(dataChannelLabel)
	if err != nil {
		return err
	}
	dc.OnMessage(s.handleData)
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()
	return nil
}

// RequestNegotiation asks for a new offer/answer exchange.
// The requests made during an exchange are merged into one.
func (s *Session) RequestNegotiation() {
	select {
	case s.negotiate <- struct{}{}:
	default:
	}
}

// Tick attaches the media track of the seat once it becomes available.
func (s *Session) Tick() {
	s.mu.Lock()
	if s.state != Connecting || s.peer == nil || s.track != nil {
		s.mu.Unlock()
		return
	}
	p := s.peer
	s.mu.Unlock()

	if s.deps.Tracks == nil {
		return
	}
	track := s.deps.Tracks.TryGetTrackSource(s.id.Seat)
	if track == nil {
		return
	}
	if err := p.AddTrack(track); err != nil {
		s.fail("add track: " + err.Error())
		return
	}

	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.track = track
	s.state = Streaming
	s.mu.Unlock()

	s.log.Info().Str("track", track.ID()).Msg("Streaming")
	if s.deps.Events != nil {
		s.deps.Events.OnStreaming(s.id.Seat)
	}
}

// Close tears the session down, only the first call does anything.
func (s *Session) Close() { s.closeOnce.Do(s.close) }

func (s *Session) close() {
	s.cancel()
	s.mu.Lock()
	s.state = Closed
	p, dc := s.peer, s.dc
	s.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			s.log.Debug().Err(err).Msg("data channel close")
		}
	}
	if p != nil {
		if err := p.Close(); err != nil {
			s.log.Debug().Err(err).Msg("peer close")
		}
	}
	_ = s.ch.Close()
	s.log.Info().Msg("Session closed")
}

// Wait blocks until the negotiation goroutines are finished.
func (s *Session) Wait() { _ = s.tasks.Wait() }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Closed
}

// fail closes the session and reports the reason.
// Nothing is reported if the session is already closed.
func (s *Session) fail(reason string) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.log.Error().Str("reason", reason).Msg("Negotiation failed")
		s.close()
	})
	if first && s.deps.Events != nil {
		s.deps.Events.OnFailed(s, reason)
	}
}
