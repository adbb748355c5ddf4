package registry

import (
	"errors"
	"sync"

	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/input"
	"github.com/giongto35/cloud-session/pkg/session"
)

type nopDC struct{}

func (nopDC) Label() string          { return "data" }
func (nopDC) Send([]byte) error      { return nil }
func (nopDC) OnMessage(func([]byte)) {}
func (nopDC) Close() error           { return nil }

type fakePeer struct {
	mu         sync.Mutex
	remote     *api.SessionDescription
	candidates []string
	tracks     int
	closed     bool
	onNeg      func()
	onState    func(session.PeerState)
	dcErr      error
}

func (p *fakePeer) CreateOffer() (api.SessionDescription, error) {
	return api.SessionDescription{Type: api.SdpOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (api.SessionDescription, error) {
	return api.SessionDescription{Type: api.SdpAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(api.SessionDescription) error { return nil }

func (p *fakePeer) SetRemoteDescription(d api.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	return nil
}

func (p *fakePeer) LocalDescription() *api.SessionDescription { return nil }

func (p *fakePeer) AddIceCandidate(c api.IceCandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) OnIceCandidate(func(*api.IceCandidate)) {}

func (p *fakePeer) OnNegotiationNeeded(f func()) {
	p.mu.Lock()
	p.onNeg = f
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(f func(session.PeerState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) CreateDataChannel(string) (session.DataChannel, error) {
	if p.dcErr != nil {
		return nil, p.dcErr
	}
	return nopDC{}, nil
}

func (p *fakePeer) AddTrack(session.Track) error {
	p.mu.Lock()
	p.tracks++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) GatheringComplete() <-chan struct{} { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) negotiationNeeded() {
	p.mu.Lock()
	fn := p.onNeg
	p.mu.Unlock()
	fn()
}

func (p *fakePeer) state(s session.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) snapshot() (candidates []string, tracks int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...), p.tracks, p.closed
}

// peers hands out a new fake peer for every session.
type peers struct {
	mu    sync.Mutex
	all   []*fakePeer
	dcErr error
}

func (f *peers) NewPeer() (session.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{dcErr: f.dcErr}
	f.all = append(f.all, p)
	return p, nil
}

func (f *peers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[len(f.all)-1]
}

type track string

func (t track) ID() string   { return string(t) }
func (t track) Kind() string { return "video" }

type tracks struct {
	mu sync.Mutex
	t  map[api.SeatIndex]session.Track
}

func (f *tracks) publish(seat api.SeatIndex, t session.Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.t == nil {
		f.t = make(map[api.SeatIndex]session.Track)
	}
	f.t[seat] = t
}

func (f *tracks) TryGetTrackSource(seat api.SeatIndex) session.Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.t[seat]; ok {
		return t
	}
	return nil
}

// listener records the lifecycle events and the injected input.
type listener struct {
	mu        sync.Mutex
	joined    []api.Identity
	exited    []api.Identity
	streaming []api.SeatIndex
	failed    []string
	injected  []input.Event
}

func (l *listener) OnJoin(id api.Identity) {
	l.mu.Lock()
	l.joined = append(l.joined, id)
	l.mu.Unlock()
}

func (l *listener) OnExit(id api.Identity) {
	l.mu.Lock()
	l.exited = append(l.exited, id)
	l.mu.Unlock()
}

func (l *listener) OnStreaming(seat api.SeatIndex) {
	l.mu.Lock()
	l.streaming = append(l.streaming, seat)
	l.mu.Unlock()
}

func (l *listener) OnSessionFailed(_ api.SeatIndex, reason string) {
	l.mu.Lock()
	l.failed = append(l.failed, reason)
	l.mu.Unlock()
}

func (l *listener) Inject(e input.Event) error {
	l.mu.Lock()
	l.injected = append(l.injected, e)
	l.mu.Unlock()
	return nil
}
