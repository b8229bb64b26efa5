package app

import (
	"context"
	"time"

	"github.com/dkeye/Callroom/internal/core"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	presenceTimeout = 2 * time.Second
	presenceBacklog = 256
)

type eventKind int

const (
	evConnect eventKind = iota
	evFrame
	evDisconnect
)

type event struct {
	kind  eventKind
	id    domain.ConnectionID
	conn  core.SignalConnection
	frame core.Frame
}

// Router is the signaling router. Connection adapters feed it through
// Connect, Deliver and Disconnect; Run applies those events one at a time,
// so per-connection order is kept and the registry has a single writer.
type Router struct {
	Registry *Registry

	policy           Policy
	presence         Presence
	metrics          *metrics.Metrics
	notifyDepartures bool
	presenceOps      chan presenceOp

	inbox chan event
	done  chan struct{}
}

type RouterOption func(*Router)

func WithPolicy(p Policy) RouterOption { return func(r *Router) { r.policy = p } }

func WithPresence(p Presence) RouterOption { return func(r *Router) { r.presence = p } }

// WithPresenceBacklog bounds the queue of presence updates waiting for the
// mirror. Updates beyond it are dropped.
func WithPresenceBacklog(n int) RouterOption {
	return func(r *Router) { r.presenceOps = make(chan presenceOp, n) }
}

func WithMetrics(m *metrics.Metrics) RouterOption { return func(r *Router) { r.metrics = m } }

// WithDepartureNotices makes leave and disconnect broadcast user:left to the
// remaining members of the room.
func WithDepartureNotices(on bool) RouterOption {
	return func(r *Router) { r.notifyDepartures = on }
}

func NewRouter(reg *Registry, opts ...RouterOption) *Router {
	r := &Router{
		Registry:         reg,
		policy:           SimplePolicy{},
		presence:         NopPresence{},
		notifyDepartures: true,
		presenceOps:      make(chan presenceOp, presenceBacklog),
		inbox:            make(chan event, 256),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(prometheus.NewRegistry())
	}
	return r
}

// Run processes events until ctx is done.
func (r *Router) Run(ctx context.Context) {
	defer close(r.done)
	go r.runPresence(ctx)
	log.Info().Str("module", "app.router").Msg("router loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.router").Msg("router loop stopped")
			return
		case ev := <-r.inbox:
			r.apply(ctx, ev)
		}
	}
}

func (r *Router) Connect(id domain.ConnectionID, conn core.SignalConnection) {
	r.enqueue(event{kind: evConnect, id: id, conn: conn})
}

func (r *Router) Deliver(id domain.ConnectionID, frame core.Frame) {
	r.enqueue(event{kind: evFrame, id: id, frame: frame})
}

func (r *Router) Disconnect(id domain.ConnectionID) {
	r.enqueue(event{kind: evDisconnect, id: id})
}

func (r *Router) enqueue(ev event) {
	select {
	case r.inbox <- ev:
	case <-r.done:
	}
}

func (r *Router) apply(ctx context.Context, ev event) {
	switch ev.kind {
	case evConnect:
		r.connect(ev.id, ev.conn)
	case evFrame:
		r.handleFrame(ctx, ev.id, ev.frame)
	case evDisconnect:
		r.disconnect(ctx, ev.id)
	}
}

func (r *Router) connect(id domain.ConnectionID, conn core.SignalConnection) {
	r.Registry.Bind(id, conn)
	r.metrics.Connections.Inc()
	log.Info().Str("module", "app.router").Str("sid", string(id)).Msg("connected")
}

// disconnect is an implicit leave plus removal of the live connection.
// Repeated calls have the effect of one.
func (r *Router) disconnect(ctx context.Context, id domain.ConnectionID) {
	r.leave(ctx, id)
	if _, ok := r.Registry.Conn(id); !ok {
		return
	}
	r.Registry.Unbind(id)
	r.metrics.Connections.Dec()
	log.Info().Str("module", "app.router").Str("sid", string(id)).Msg("disconnected")
}
