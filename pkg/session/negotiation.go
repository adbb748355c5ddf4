package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/input"
	"github.com/giongto35/cloud-session/pkg/logger"
	"github.com/giongto35/cloud-session/pkg/network"
)

// Dispatch handles a signaling or an input message of the seat.
func (s *Session) Dispatch(e api.Envelope) error {
	if s.isClosed() {
		return ErrClosed
	}
	switch {
	case e.Id == api.Offer:
		return s.handleOffer(e)
	case e.Id == api.Answer:
		return s.handleAnswer(e)
	case e.Id == api.Candidate:
		return s.handleCandidate(e)
	case e.Id.IsInput():
		return s.handleInput(e)
	}
	return fmt.Errorf("unsupported message %v", e.Id)
}

func (s *Session) getPeer() *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) setOfferPending(v bool) {
	s.mu.Lock()
	s.offerPending = v
	s.mu.Unlock()
}

func (s *Session) isOfferPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offerPending
}

// loop runs the offer/answer exchanges one at a time.
func (s *Session) loop() error {
	for {
		// the remote offers go first
		select {
		case o := <-s.offers:
			if !s.exchange(func() error { return s.answer(o) }) {
				return nil
			}
			continue
		default:
		}

		select {
		case <-s.ctx.Done():
			return nil
		case o := <-s.offers:
			if !s.exchange(func() error { return s.answer(o) }) {
				return nil
			}
		case <-s.negotiate:
			if !s.exchange(s.offer) {
				return nil
			}
		}
	}
}

func (s *Session) exchange(fn func() error) bool {
	err := fn()
	if err == nil {
		return true
	}
	if s.ctx.Err() == nil {
		s.fail(err.Error())
	}
	return false
}

func (s *Session) offer() error {
	p := s.getPeer()
	desc, err := p.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err = p.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set offer: %w", err)
	}
	if s.opts.VanillaIce {
		if desc, err = s.gathered(p); err != nil {
			return err
		}
	}

	s.setOfferPending(true)
	defer s.setOfferPending(false)
	select {
	case <-s.answered:
	default:
	}

	if err = s.ch.Send(api.Offer, desc); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	s.log.Debug().Str(logger.DirectionField, "→").Msg("Offer")

	var timeout <-chan time.Time
	if s.opts.AnswerTimeout > 0 {
		timer := time.NewTimer(s.opts.AnswerTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-s.answered:
		return nil
	case <-timeout:
		return fmt.Errorf("answer: %w", ErrTimeout)
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// answer replies to a remote offer.
func (s *Session) answer(offer api.SessionDescription) error {
	p := s.getPeer()
	if err := p.setRemote(offer); err != nil {
		return fmt.Errorf("set offer: %w", err)
	}
	desc, err := p.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err = p.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set answer: %w", err)
	}
	if s.opts.VanillaIce {
		if desc, err = s.gathered(p); err != nil {
			return err
		}
	}
	if err = s.ch.Send(api.Answer, desc); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	s.log.Debug().Str(logger.DirectionField, "→").Msg("Answer")
	return nil
}

// gathered waits for the ICE gathering and returns
// the local description with all the candidates.
func (s *Session) gathered(p *peer) (api.SessionDescription, error) {
	var timeout <-chan time.Time
	if s.opts.GatheringTimeout > 0 {
		timer := time.NewTimer(s.opts.GatheringTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-p.GatheringComplete():
	case <-timeout:
		return api.SessionDescription{}, fmt.Errorf("ice gathering: %w", ErrTimeout)
	case <-s.ctx.Done():
		return api.SessionDescription{}, s.ctx.Err()
	}
	ld := p.LocalDescription()
	if ld == nil {
		return api.SessionDescription{}, errors.New("no local description")
	}
	return *ld, nil
}

func (s *Session) handleOffer(e api.Envelope) error {
	p := s.getPeer()
	if p == nil {
		s.log.Warn().Msg("Offer to a session without peer, skipped")
		return nil
	}
	sdp, err := api.Unwrap[api.SessionDescription](e)
	if err == nil && (!sdp.IsValid() || sdp.Type != api.SdpOffer) {
		err = api.ErrMalformed
	}
	if err != nil {
		s.fail("malformed offer")
		return err
	}
	if s.isOfferPending() {
		s.log.Warn().Msg("Offer collision, the remote offer is skipped")
		return nil
	}
	s.log.Debug().Str(logger.DirectionField, "←").Msg("Offer")
	select {
	case s.offers <- *sdp:
	default:
		s.log.Warn().Msg("Remote offer is skipped, busy")
	}
	return nil
}

func (s *Session) handleAnswer(e api.Envelope) error {
	p := s.getPeer()
	if p == nil {
		s.log.Warn().Msg("Answer to a session without peer, skipped")
		return nil
	}
	sdp, err := api.Unwrap[api.SessionDescription](e)
	if err == nil && (!sdp.IsValid() || sdp.Type != api.SdpAnswer) {
		err = api.ErrMalformed
	}
	if err != nil {
		s.fail("malformed answer")
		return err
	}
	if !s.isOfferPending() {
		s.log.Warn().Msg("Unexpected answer, skipped")
		return nil
	}
	s.log.Debug().Str(logger.DirectionField, "←").Msg("Answer")
	if err = p.setRemote(*sdp); err != nil {
		s.fail("set answer: " + err.Error())
		return err
	}
	select {
	case s.answered <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) handleCandidate(e api.Envelope) error {
	p := s.getPeer()
	if p == nil {
		return nil
	}
	c, err := api.Unwrap[api.IceCandidate](e)
	if err != nil {
		s.fail("malformed candidate")
		return err
	}
	if err = p.addCandidate(*c); err != nil {
		s.fail("add candidate: " + err.Error())
		return err
	}
	return nil
}

func (s *Session) handleInput(e api.Envelope) error {
	if s.deps.Input == nil {
		return nil
	}
	ev, err := input.FromEnvelope(s.id.Seat, e)
	if err != nil {
		s.log.Warn().Err(err).Msg("Bad input")
		return err
	}
	return s.deps.Input.Inject(ev)
}

func (s *Session) handleIceCandidate(c *api.IceCandidate) {
	if c == nil {
		s.log.Debug().Msg("ICE gathering complete")
		return
	}
	if s.opts.VanillaIce {
		return
	}
	if err := s.ch.Send(api.Candidate, *c); err != nil && !errors.Is(err, network.ErrClosed) {
		s.log.Warn().Err(err).Msg("Candidate send")
	}
}

func (s *Session) handlePeerState(state PeerState) {
	s.log.Debug().Str(logger.StateField, state.String()).Msg("Peer")
	switch state {
	case PeerConnected:
		s.log.Info().Msg("Connected")
	case PeerFailed:
		s.fail("peer connection failed")
	case PeerClosed:
		s.Close()
	}
}

// handleData passes the input of the data channel to the owner.
func (s *Session) handleData(data []byte) {
	e, err := api.Decode(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("Bad data channel message")
		return
	}
	if !e.Id.IsInput() {
		s.log.Warn().Msgf("Unexpected %v on the data channel", e.Id)
		return
	}
	e.SessionId = s.id.Seat.SessionId()
	if s.deps.Events != nil {
		s.deps.Events.OnInput(e)
	}
}
