package webrtc

import (
	"fmt"

	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/logger"
	"github.com/giongto35/cloud-session/pkg/session"
	"github.com/pion/webrtc/v3"
)

// Peer is a pion peer connection seen as a session.PeerConnection.
type Peer struct {
	conn *webrtc.PeerConnection
	log  *logger.Logger
}

func fromPion(d webrtc.SessionDescription) api.SessionDescription {
	return api.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPion(d api.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func (p *Peer) CreateOffer() (api.SessionDescription, error) {
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return api.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (p *Peer) CreateAnswer() (api.SessionDescription, error) {
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return api.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (p *Peer) SetLocalDescription(d api.SessionDescription) error {
	return p.conn.SetLocalDescription(toPion(d))
}

func (p *Peer) SetRemoteDescription(d api.SessionDescription) error {
	return p.conn.SetRemoteDescription(toPion(d))
}

func (p *Peer) LocalDescription() *api.SessionDescription {
	ld := p.conn.LocalDescription()
	if ld == nil {
		return nil
	}
	d := fromPion(*ld)
	return &d
}

func (p *Peer) AddIceCandidate(c api.IceCandidate) error {
	err := p.conn.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
	if err == nil {
		p.log.Debug().Str("candidate", c.Candidate).Msg("ICE")
	}
	return err
}

func (p *Peer) OnIceCandidate(fn func(*api.IceCandidate)) {
	p.conn.OnICECandidate(func(ice *webrtc.ICECandidate) {
		// ICE gathering finish condition
		if ice == nil {
			fn(nil)
			return
		}
		c := ice.ToJSON()
		fn(&api.IceCandidate{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex})
	})
}

func (p *Peer) OnNegotiationNeeded(fn func()) { p.conn.OnNegotiationNeeded(fn) }

func (p *Peer) OnConnectionStateChange(fn func(session.PeerState)) {
	p.conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			p.log.Error().Msgf("WebRTC connection fail! connection: %v, ice: %v, gathering: %v, signalling: %v",
				p.conn.ConnectionState(), p.conn.ICEConnectionState(), p.conn.ICEGatheringState(),
				p.conn.SignalingState())
		}
		fn(peerState(state))
	})
}

func peerState(s webrtc.PeerConnectionState) session.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return session.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return session.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return session.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return session.PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return session.PeerClosed
	default:
		return session.PeerNew
	}
}

// CreateDataChannel creates a new WebRTC data channel for user input.
// Default params -- ordered: true, negotiated: false.
func (p *Peer) CreateDataChannel(label string) (session.DataChannel, error) {
	ch, err := p.conn.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	ch.OnOpen(func() { p.log.Debug().Str("label", ch.Label()).Msg("Data channel opened") })
	ch.OnError(func(err error) { p.log.Error().Err(err).Str("label", ch.Label()).Msg("Data channel") })
	ch.OnClose(func() { p.log.Debug().Str("label", ch.Label()).Msg("Data channel closed") })
	return &DataChannel{ch: ch}, nil
}

func (p *Peer) AddTrack(t session.Track) error {
	track, ok := t.(*Track)
	if !ok {
		return fmt.Errorf("unsupported track %T", t)
	}
	sender, err := p.conn.AddTrack(track.local)
	if err != nil {
		return err
	}
	// Read incoming RTCP packets
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()
	p.log.Debug().Msgf("Added [%s] track", track.local.Codec().MimeType)
	return nil
}

func (p *Peer) GatheringComplete() <-chan struct{} { return webrtc.GatheringCompletePromise(p.conn) }

func (p *Peer) Close() error {
	if p.conn.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil
	}
	return p.conn.Close()
}

type DataChannel struct {
	ch *webrtc.DataChannel
}

func (d *DataChannel) Label() string          { return d.ch.Label() }
func (d *DataChannel) Send(data []byte) error { return d.ch.Send(data) }
func (d *DataChannel) Close() error           { return d.ch.Close() }

func (d *DataChannel) OnMessage(fn func([]byte)) {
	d.ch.OnMessage(func(m webrtc.DataChannelMessage) {
		if len(m.Data) == 0 {
			return
		}
		fn(m.Data)
	})
}
