package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/input"
	"github.com/giongto35/cloud-session/pkg/logger"
	"github.com/giongto35/cloud-session/pkg/network"
	"github.com/giongto35/cloud-session/pkg/network/loopback"
)

type fakeTrack string

func (f fakeTrack) ID() string   { return string(f) }
func (f fakeTrack) Kind() string { return "video" }

type fakeDC struct {
	mu     sync.Mutex
	onMsg  func([]byte)
	closed int
}

func (d *fakeDC) Label() string            { return dataChannelLabel }
func (d *fakeDC) Send([]byte) error        { return nil }
func (d *fakeDC) OnMessage(f func([]byte)) { d.mu.Lock(); d.onMsg = f; d.mu.Unlock() }
func (d *fakeDC) Close() error             { d.mu.Lock(); d.closed++; d.mu.Unlock(); return nil }

func (d *fakeDC) receive(data []byte) {
	d.mu.Lock()
	fn := d.onMsg
	d.mu.Unlock()
	fn(data)
}

type fakePeer struct {
	mu         sync.Mutex
	offers     int
	answers    int
	local      *api.SessionDescription
	remote     *api.SessionDescription
	candidates []string
	tracks     []Track
	closed     int
	dc         *fakeDC

	onIce     func(*api.IceCandidate)
	onNeg     func()
	onState   func(PeerState)
	gathering chan struct{}
}

func newFakePeer() *fakePeer { return &fakePeer{gathering: make(chan struct{}), dc: &fakeDC{}} }

func (p *fakePeer) CreateOffer() (api.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return api.SessionDescription{Type: api.SdpOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (api.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return api.SessionDescription{Type: api.SdpAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d api.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &d
	return nil
}

func (p *fakePeer) SetRemoteDescription(d api.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.SDP == "reject" {
		return errors.New("bad sdp")
	}
	p.remote = &d
	return nil
}

func (p *fakePeer) LocalDescription() *api.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return nil
	}
	d := *p.local
	d.SDP += " a=candidate:gathered"
	return &d
}

func (p *fakePeer) AddIceCandidate(c api.IceCandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) OnIceCandidate(f func(*api.IceCandidate))  { p.mu.Lock(); p.onIce = f; p.mu.Unlock() }
func (p *fakePeer) OnNegotiationNeeded(f func())              { p.mu.Lock(); p.onNeg = f; p.mu.Unlock() }
func (p *fakePeer) OnConnectionStateChange(f func(PeerState)) { p.mu.Lock(); p.onState = f; p.mu.Unlock() }

func (p *fakePeer) CreateDataChannel(string) (DataChannel, error) { return p.dc, nil }

func (p *fakePeer) AddTrack(t Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) GatheringComplete() <-chan struct{} { return p.gathering }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) negotiationNeeded() {
	p.mu.Lock()
	fn := p.onNeg
	p.mu.Unlock()
	fn()
}

func (p *fakePeer) state(s PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) ice(c *api.IceCandidate) {
	p.mu.Lock()
	fn := p.onIce
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) snapshot() (offers, answers int, candidates []string, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.answers, append([]string(nil), p.candidates...), p.closed
}

type fakeFactory struct {
	peer  *fakePeer
	calls int
}

func (f *fakeFactory) NewPeer() (PeerConnection, error) { f.calls++; return f.peer, nil }

type fakeTracks struct {
	mu    sync.Mutex
	track Track
}

func (f *fakeTracks) set(t Track) { f.mu.Lock(); f.track = t; f.mu.Unlock() }

func (f *fakeTracks) TryGetTrackSource(api.SeatIndex) Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.track
}

type recorder struct {
	mu        sync.Mutex
	streaming []api.SeatIndex
	input     []api.Envelope
	injected  []input.Event
	failed    chan string
}

func newRecorder() *recorder { return &recorder{failed: make(chan string, 4)} }

func (r *recorder) OnStreaming(seat api.SeatIndex) {
	r.mu.Lock()
	r.streaming = append(r.streaming, seat)
	r.mu.Unlock()
}
func (r *recorder) OnFailed(_ *Session, reason string) { r.failed <- reason }
func (r *recorder) OnInput(e api.Envelope) {
	r.mu.Lock()
	r.input = append(r.input, e)
	r.mu.Unlock()
}
func (r *recorder) Inject(e input.Event) error {
	r.mu.Lock()
	r.injected = append(r.injected, e)
	r.mu.Unlock()
	return nil
}

// rig is a session on one end of a loopback pair, the other end is the remote side.
type rig struct {
	s      *Session
	peer   *fakePeer
	peers  *fakeFactory
	tracks *fakeTracks
	events *recorder
	local  *loopback.Channel
	remote *loopback.Channel
	inbox  chan api.Envelope
}

func newRig(t *testing.T, seat int, opts Options) *rig {
	t.Helper()
	a, b := loopback.Pair()
	r := &rig{
		peer:   newFakePeer(),
		tracks: &fakeTracks{},
		events: newRecorder(),
		local:  a,
		remote: b,
		inbox:  make(chan api.Envelope, 16),
	}
	r.peers = &fakeFactory{peer: r.peer}
	b.OnMessage(func(e api.Envelope) { r.inbox <- e })
	id := api.Identity{Seat: api.SeatIndex(seat), UserId: "U" + api.SeatIndex(seat).String()}
	r.s = New(id, network.Scope(a, id.Seat.SessionId()), Deps{
		Peers:  r.peers,
		Tracks: r.tracks,
		Input:  r.events,
		Events: r.events,
	}, opts, logger.Nop())
	t.Cleanup(r.shutdown)
	return r
}

func (r *rig) shutdown() {
	r.s.Close()
	r.s.Wait()
	_ = r.local.Close()
}

func (r *rig) recv(t *testing.T) api.Envelope {
	t.Helper()
	select {
	case e := <-r.inbox:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no message from the session")
	}
	return api.Envelope{}
}

func (r *rig) quiet(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.inbox:
		t.Fatalf("unexpected message %v", e.Id)
	case <-time.After(50 * time.Millisecond):
	}
}

func (r *rig) failure(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-r.events.failed:
		return reason
	case <-time.After(5 * time.Second):
		t.Fatal("no failure")
	}
	return ""
}

func envelope(t *testing.T, id api.MessageId, seat int, payload any) api.Envelope {
	t.Helper()
	e, err := api.NewEnvelope(id, api.SeatIndex(seat).SessionId(), payload)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func candidate(c string) api.IceCandidate {
	mid, idx := "0", uint16(0)
	return api.IceCandidate{Candidate: c, SDPMid: &mid, SDPMLineIndex: &idx}
}

var remoteAnswer = api.SessionDescription{Type: api.SdpAnswer, SDP: "v=0 remote answer"}
