package client

import (
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/negotiation"
	"github.com/dkeye/Callroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (s *RoomSession) onRoomJoined(m protocol.Message) {
	ack, ok := m.(protocol.RoomJoined)
	if !ok {
		return
	}
	s.mu.Lock()
	if ack.ID != "" {
		s.self = ack.ID
	}
	if s.joined != nil {
		close(s.joined)
		s.joined = nil
	}
	s.mu.Unlock()
	log.Info().Str("module", "client.session").Str("room", ack.Room).Str("id", string(ack.ID)).Msg("joined room")
}

func (s *RoomSession) onUserJoined(m protocol.Message) {
	msg, ok := m.(protocol.UserJoined)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.target = msg.ID
	s.mu.Unlock()
	log.Info().Str("module", "client.session").Str("peer", string(msg.ID)).Str("email", msg.Email).Msg("user joined")
	if fn := s.cfg.OnUserJoined; fn != nil {
		fn(msg.ID, msg.Email)
	}
}

func (s *RoomSession) onUserLeft(m protocol.Message) {
	msg, ok := m.(protocol.UserLeft)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if s.target == msg.ID {
		s.target = ""
	}
	if err := s.dropPeerLocked(msg.ID); err != nil {
		log.Error().Err(err).Str("module", "client.session").Str("peer", string(msg.ID)).Msg("close peer")
	}
	s.mu.Unlock()
	log.Info().Str("module", "client.session").Str("peer", string(msg.ID)).Msg("user left")
	if fn := s.cfg.OnUserLeft; fn != nil {
		fn(msg.ID, msg.Email)
	}
}

func (s *RoomSession) onCallEnded(m protocol.Message) {
	msg, ok := m.(protocol.CallEnded)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if err := s.dropPeerLocked(msg.From); err != nil {
		log.Error().Err(err).Str("module", "client.session").Str("peer", string(msg.From)).Msg("close peer")
	}
}

func (s *RoomSession) onIncomingCall(m protocol.Message) {
	if msg, ok := m.(protocol.IncomingCall); ok {
		s.answer(msg.From, msg.Offer, true)
	}
}

func (s *RoomSession) onPeerNegoNeeded(m protocol.Message) {
	if msg, ok := m.(protocol.PeerNegoNeeded); ok {
		s.answer(msg.From, msg.Offer, false)
	}
}

func (s *RoomSession) onCallAccepted(m protocol.Message) {
	if msg, ok := m.(protocol.CallAccepted); ok {
		s.applyAnswer(msg.From, msg.Answer)
	}
}

func (s *RoomSession) onNegoFinal(m protocol.Message) {
	if msg, ok := m.(protocol.NegoFinal); ok {
		s.applyAnswer(msg.From, msg.Answer)
	}
}

// answer handles a remote offer. The machine only moves once the answer has
// been produced and sent, so a failed local step leaves it where it was.
func (s *RoomSession) answer(from domain.ConnectionID, offer protocol.SessionDescription, initial bool) {
	logger := log.With().Str("module", "client.session").Str("peer", string(from)).Bool("initial", initial).Logger()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	p, err := s.peerLocked(from)
	if err != nil {
		logger.Error().Err(err).Msg("remote offer dropped")
		return
	}
	verdict := p.machine.Decide(negotiation.RemoteOffer)
	switch verdict {
	case negotiation.Accept, negotiation.AcceptAfterRollback:
	default:
		logger.Debug().Str("state", p.machine.State().String()).Str("verdict", verdict.String()).Msg("remote offer dropped")
		return
	}
	if initial {
		s.target = from
	}

	ctx, done := s.opContext(s.ctx)
	defer done()
	if verdict == negotiation.AcceptAfterRollback {
		if err := p.neg.Rollback(ctx); err != nil {
			logger.Error().Err(err).Msg("rollback local offer")
			return
		}
	}
	if err := s.attachMediaLocked(ctx, p); err != nil {
		logger.Error().Err(err).Msg("cannot answer")
		return
	}
	ans, err := p.neg.CreateAnswer(ctx, offer)
	if err != nil {
		logger.Error().Err(err).Msg("create answer")
		return
	}

	var reply protocol.Message = protocol.NegoDone{To: from, Answer: ans}
	if initial {
		reply = protocol.CallAccept{To: from, Answer: ans}
	}
	if err := s.sig.Emit(reply); err != nil {
		logger.Error().Err(err).Msg("send answer")
		return
	}
	if _, err := p.machine.Fire(negotiation.RemoteOffer); err != nil {
		logger.Warn().Err(err).Msg("remote offer")
		return
	}
	if _, err := p.machine.Fire(negotiation.LocalAnswer); err != nil {
		logger.Warn().Err(err).Msg("local answer")
	}
}

// applyAnswer handles call:accepted and peer:nego:final. Answers that do not
// match an outstanding local offer are dropped.
func (s *RoomSession) applyAnswer(from domain.ConnectionID, ans protocol.SessionDescription) {
	logger := log.With().Str("module", "client.session").Str("peer", string(from)).Logger()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	p, ok := s.peers[from]
	if !ok {
		logger.Debug().Msg("answer from unknown peer dropped")
		return
	}
	if v := p.machine.Decide(negotiation.RemoteAnswer); v != negotiation.Accept {
		logger.Debug().Str("state", p.machine.State().String()).Msg("stale answer dropped")
		return
	}
	ctx, done := s.opContext(s.ctx)
	defer done()
	if err := p.neg.ApplyAnswer(ctx, ans); err != nil {
		logger.Error().Err(err).Msg("apply answer")
		return
	}
	if _, err := p.machine.Fire(negotiation.RemoteAnswer); err != nil {
		logger.Warn().Err(err).Msg("remote answer")
	}
}

// onNegotiationNeeded renegotiates an established call, e.g. after tracks
// change. Before the call is up the initial offer covers it.
func (s *RoomSession) onNegotiationNeeded(p *peer) {
	logger := log.With().Str("module", "client.session").Str("peer", string(p.id)).Logger()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.peers[p.id] != p {
		return
	}
	if st := p.machine.State(); st != negotiation.Connected {
		logger.Debug().Str("state", st.String()).Msg("negotiation needed deferred")
		return
	}
	ctx, done := s.opContext(s.ctx)
	defer done()
	offer, err := p.neg.CreateOffer(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("create renegotiation offer")
		return
	}
	if err := s.sig.Emit(protocol.NegoNeeded{To: p.id, Offer: offer}); err != nil {
		logger.Error().Err(err).Msg("send peer:nego:needed")
		return
	}
	if _, err := p.machine.Fire(negotiation.LocalOffer); err != nil {
		logger.Warn().Err(err).Msg("local offer")
	}
}

func (s *RoomSession) onTransportConnected(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.peers[p.id] != p {
		return
	}
	if p.machine.State() != negotiation.Answered {
		return
	}
	if _, err := p.machine.Fire(negotiation.TransportConnected); err == nil {
		log.Info().Str("module", "client.session").Str("peer", string(p.id)).Msg("call connected")
	}
}
