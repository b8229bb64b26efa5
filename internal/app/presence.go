package app

import (
	"context"
	"errors"

	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/metrics"
	"github.com/rs/zerolog/log"
)

var ErrPresenceDisabled = errors.New("presence disabled")

// Presence mirrors room membership into shared storage so several relay
// processes can report on the same rooms. The local Registry stays the
// source of truth for routing.
type Presence interface {
	Joined(ctx context.Context, room domain.RoomID, id domain.ConnectionID, email domain.Email) error
	Left(ctx context.Context, room domain.RoomID, id domain.ConnectionID) error
	Count(ctx context.Context, room domain.RoomID) (int64, error)
}

type NopPresence struct{}

func (NopPresence) Joined(context.Context, domain.RoomID, domain.ConnectionID, domain.Email) error {
	return nil
}

func (NopPresence) Left(context.Context, domain.RoomID, domain.ConnectionID) error { return nil }

func (NopPresence) Count(context.Context, domain.RoomID) (int64, error) {
	return 0, ErrPresenceDisabled
}

type presenceOp struct {
	join bool
	p    domain.Participant
}

// mirror queues a presence update for runPresence. The router loop never
// waits on shared storage; a full backlog drops the update.
func (r *Router) mirror(op presenceOp) {
	if _, ok := r.presence.(NopPresence); ok {
		return
	}
	select {
	case r.presenceOps <- op:
	default:
		r.metrics.Drop(metrics.DropPresenceBacklog)
		log.Warn().Str("module", "app.router").Str("sid", string(op.p.ID)).Bool("join", op.join).Msg("presence backlog full")
	}
}

// runPresence applies queued presence updates in order until ctx is done.
func (r *Router) runPresence(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-r.presenceOps:
			r.applyPresence(ctx, op)
		}
	}
}

func (r *Router) applyPresence(ctx context.Context, op presenceOp) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	var err error
	if op.join {
		err = r.presence.Joined(ctx, op.p.Room, op.p.ID, op.p.Email)
	} else {
		err = r.presence.Left(ctx, op.p.Room, op.p.ID)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("sid", string(op.p.ID)).Bool("join", op.join).Msg("presence mirror")
	}
}
