package session

import (
	"sync"

	"github.com/giongto35/cloud-session/pkg/api"
)

type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "new"
	}
}

// Track is an outgoing media track, opaque to the session.
type Track interface {
	ID() string
	Kind() string
}

// TrackSource provides the media track of a seat once it exists.
type TrackSource interface {
	TryGetTrackSource(seat api.SeatIndex) Track
}

type DataChannel interface {
	Label() string
	Send(data []byte) error
	OnMessage(func(data []byte))
	Close() error
}

// PeerConnection is the WebRTC peer connection primitive.
// The callbacks may be called from any goroutine.
type PeerConnection interface {
	CreateOffer() (api.SessionDescription, error)
	CreateAnswer() (api.SessionDescription, error)
	SetLocalDescription(api.SessionDescription) error
	SetRemoteDescription(api.SessionDescription) error
	// LocalDescription contains all the gathered candidates.
	LocalDescription() *api.SessionDescription
	AddIceCandidate(api.IceCandidate) error
	// OnIceCandidate is called with nil when the gathering is complete.
	OnIceCandidate(func(*api.IceCandidate))
	OnNegotiationNeeded(func())
	OnConnectionStateChange(func(PeerState))
	CreateDataChannel(label string) (DataChannel, error)
	AddTrack(Track) error
	GatheringComplete() <-chan struct{}
	Close() error
}

type PeerFactory interface {
	NewPeer() (PeerConnection, error)
}

// peer holds back the remote candidates until the remote description is set.
type peer struct {
	PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []api.IceCandidate
}

func (p *peer) addCandidate(c api.IceCandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		return nil
	}
	return p.AddIceCandidate(c)
}

// setRemote applies the description and flushes the held candidates in order.
func (p *peer) setRemote(d api.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.SetRemoteDescription(d); err != nil {
		return err
	}
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	for i, c := range pending {
		if err := p.AddIceCandidate(c); err != nil {
			// keep the rest for the next description
			p.pending = append(p.pending, pending[i+1:]...)
			return err
		}
	}
	return nil
}

func (p *peer) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
