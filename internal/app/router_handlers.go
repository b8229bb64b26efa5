package app

import (
	"context"
	"errors"

	"github.com/dkeye/Callroom/internal/core"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/metrics"
	"github.com/dkeye/Callroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (r *Router) handleFrame(ctx context.Context, from domain.ConnectionID, frame core.Frame) {
	msg, err := protocol.DecodeInbound(frame)
	if err != nil {
		reason := metrics.DropBadPayload
		if errors.Is(err, protocol.ErrUnknownEvent) {
			reason = metrics.DropUnknownEvent
		}
		r.metrics.Drop(reason)
		log.Warn().Err(err).Str("module", "app.router").Str("sid", string(from)).Msg("rejected frame")
		return
	}
	r.Handle(ctx, from, msg)
}

// Handle applies one validated inbound message sent by from.
func (r *Router) Handle(ctx context.Context, from domain.ConnectionID, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RoomJoin:
		r.join(ctx, from, m)
	case protocol.RoomLeave:
		r.leave(ctx, from)
	case protocol.UserCall:
		r.send(m.To, protocol.IncomingCall{From: from, Offer: m.Offer})
	case protocol.CallAccept:
		r.send(m.To, protocol.CallAccepted{From: from, Answer: m.Answer})
	case protocol.NegoNeeded:
		r.send(m.To, protocol.PeerNegoNeeded{From: from, Offer: m.Offer})
	case protocol.NegoDone:
		r.send(m.To, protocol.NegoFinal{From: from, Answer: m.Answer})
	case protocol.CallEnd:
		r.send(m.To, protocol.CallEnded{From: from})
	default:
		r.metrics.Drop(metrics.DropUnknownEvent)
		log.Warn().Str("module", "app.router").Str("sid", string(from)).Str("event", msg.Event()).Msg("not a client message")
	}
}

func (r *Router) join(ctx context.Context, from domain.ConnectionID, m protocol.RoomJoin) {
	p, err := domain.NewParticipant(from, m.Email, m.Room)
	if err != nil {
		r.metrics.Drop(metrics.DropBadPayload)
		log.Warn().Err(err).Str("module", "app.router").Str("sid", string(from)).Msg("bad join")
		return
	}

	if prev, ok := r.Registry.RoomOf(from); ok && prev != p.Room {
		r.leave(ctx, from)
	}

	// Members present before this join; the joiner never hears about itself.
	others := r.Registry.MembersOf(p.Room)
	r.Registry.Join(from, p.Email, p.Room)
	r.mirror(presenceOp{join: true, p: *p})

	joined := protocol.UserJoined{Email: string(p.Email), ID: from}
	for _, id := range others {
		if id != from {
			r.send(id, joined)
		}
	}
	// The ack echoes the payload as sent.
	r.send(from, protocol.RoomJoined{Email: m.Email, Room: m.Room, ID: from})
}

func (r *Router) leave(ctx context.Context, id domain.ConnectionID) {
	p, ok := r.Registry.Leave(id)
	if !ok {
		return
	}
	r.mirror(presenceOp{p: p})
	if !r.notifyDepartures {
		return
	}
	left := protocol.UserLeft{Email: string(p.Email), ID: id}
	for _, other := range r.Registry.MembersOf(p.Room) {
		r.send(other, left)
	}
}

// send unicasts msg. A target that is gone is an expected race and the
// message is dropped silently.
func (r *Router) send(to domain.ConnectionID, msg protocol.Message) {
	conn, ok := r.Registry.Conn(to)
	if !ok {
		r.metrics.Drop(metrics.DropRoutingMiss)
		log.Debug().Str("module", "app.router").Str("to", string(to)).Str("event", msg.Event()).Msg("routing miss")
		return
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Msg("encode")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		if errors.Is(err, core.ErrConnectionClosed) {
			r.metrics.Drop(metrics.DropRoutingMiss)
			return
		}
		r.metrics.Drop(metrics.DropBackpressure)
		log.Warn().Err(err).Str("module", "app.router").Str("to", string(to)).Str("event", msg.Event()).Msg("send failed")
		if r.policy.OnBackpressure(to) == KickConnection {
			r.metrics.Kicked.Inc()
			// The adapter's read loop exits and reports the disconnect.
			conn.Close()
		}
		return
	}
	r.metrics.Routed.WithLabelValues(msg.Event()).Inc()
}
