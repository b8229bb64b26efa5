package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/negotiation"
	"github.com/dkeye/Callroom/internal/protocol"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var (
	ErrSessionEnded = errors.New("session ended")
	ErrNoTarget     = errors.New("no peer to call")
	ErrBusy         = errors.New("negotiation in progress")
)

type Config struct {
	Email string
	Room  string
	// AnswerTimeout bounds how long an outstanding local offer waits for an
	// answer. Zero means negotiation.DefaultAnswerTimeout, negative disables.
	AnswerTimeout time.Duration
	Clock         clock.Clock

	// Callbacks run on the relay dispatch goroutine and must not block on
	// session methods.
	OnUserJoined func(id domain.ConnectionID, email string)
	OnUserLeft   func(id domain.ConnectionID, email string)
	OnTransition func(peer domain.ConnectionID, tr negotiation.Transition)
}

type peer struct {
	id      domain.ConnectionID
	machine *negotiation.Machine
	neg     Negotiator
	media   bool
}

// RoomSession is one participant's view of a room: it joins through the
// relay, tracks the most recent remote participant as the call target and
// runs one negotiation per remote peer.
//
// Relay messages are handled one at a time; a handler holds the session lock
// across its asynchronous negotiator steps so later messages queue behind it.
type RoomSession struct {
	cfg           Config
	sig           Signaler
	media         MediaCapability
	newNegotiator NegotiatorFactory

	ctx    context.Context
	cancel context.CancelFunc
	subs   SubscriptionSet
	joined chan struct{}

	mu           sync.Mutex
	started      bool
	ended        bool
	self         domain.ConnectionID
	target       domain.ConnectionID
	peers        map[domain.ConnectionID]*peer
	local        LocalMedia
	audioEnabled bool
	videoEnabled bool
}

func NewRoomSession(sig Signaler, media MediaCapability, nf NegotiatorFactory, cfg Config) *RoomSession {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.AnswerTimeout == 0 {
		cfg.AnswerTimeout = negotiation.DefaultAnswerTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RoomSession{
		cfg:           cfg,
		sig:           sig,
		media:         media,
		newNegotiator: nf,
		ctx:           ctx,
		cancel:        cancel,
		peers:         make(map[domain.ConnectionID]*peer),
		audioEnabled:  true,
		videoEnabled:  true,
	}
}

// Join subscribes to the relay events of the session, sends room:join and
// waits for the acknowledgement.
func (s *RoomSession) Join(ctx context.Context) error {
	if _, err := domain.NewParticipant("pending", s.cfg.Email, s.cfg.Room); err != nil {
		return err
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if !s.started {
		s.started = true
		s.subscribe()
		go s.watchRelay()
	}
	joined := make(chan struct{})
	s.joined = joined
	s.mu.Unlock()

	if err := s.sig.Emit(protocol.RoomJoin{Email: s.cfg.Email, Room: s.cfg.Room}); err != nil {
		return fmt.Errorf("send room:join: %w", err)
	}
	select {
	case <-joined:
		return nil
	case <-s.ctx.Done():
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RoomSession) subscribe() {
	on := func(event string, fn func(protocol.Message)) {
		s.subs.Add(s.sig.Subscribe(event, fn))
	}
	on(protocol.EventRoomJoin, s.onRoomJoined)
	on(protocol.EventUserJoined, s.onUserJoined)
	on(protocol.EventUserLeft, s.onUserLeft)
	on(protocol.EventIncomingCall, s.onIncomingCall)
	on(protocol.EventCallAccepted, s.onCallAccepted)
	on(protocol.EventNegoNeeded, s.onPeerNegoNeeded)
	on(protocol.EventNegoFinal, s.onNegoFinal)
	on(protocol.EventCallEnded, s.onCallEnded)
}

// watchRelay ends the session when the relay connection goes away.
func (s *RoomSession) watchRelay() {
	select {
	case <-s.sig.Done():
		log.Warn().Str("module", "client.session").Msg("relay connection lost, ending call")
		if err := s.EndCall(); err != nil {
			log.Error().Err(err).Str("module", "client.session").Msg("end call")
		}
	case <-s.ctx.Done():
	}
}

// Call sends an offer to the current target.
func (s *RoomSession) Call(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	if s.target == "" {
		return ErrNoTarget
	}
	p, err := s.peerLocked(s.target)
	if err != nil {
		return err
	}
	if v := p.machine.Decide(negotiation.LocalOffer); v != negotiation.Accept {
		return fmt.Errorf("%w: %s", ErrBusy, p.machine.State())
	}

	ctx, done := s.opContext(ctx)
	defer done()
	if err := s.attachMediaLocked(ctx, p); err != nil {
		return err
	}
	offer, err := p.neg.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.sig.Emit(protocol.UserCall{To: p.id, Offer: offer}); err != nil {
		return fmt.Errorf("send user:call: %w", err)
	}
	_, err = p.machine.Fire(negotiation.LocalOffer)
	return err
}

// EndCall closes every negotiation, releases local and remote media and
// unsubscribes from the relay. Release happens even when a negotiator step
// is still in flight or fails.
func (s *RoomSession) EndCall() error {
	s.cancel()
	s.subs.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true

	var err error
	for _, p := range s.peers {
		if st := p.machine.State(); st != negotiation.Idle && st != negotiation.Closed {
			if emitErr := s.sig.Emit(protocol.CallEnd{To: p.id}); emitErr != nil {
				log.Debug().Err(emitErr).Str("module", "client.session").Str("peer", string(p.id)).Msg("call:end not sent")
			}
		}
		_, _ = p.machine.Fire(negotiation.Close)
		err = multierr.Append(err, p.neg.Close())
	}
	err = multierr.Append(err, s.releaseMediaLocked())
	return err
}

func (s *RoomSession) SetAudioEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = on
	if s.local == nil {
		return nil
	}
	return s.local.SetAudioEnabled(on)
}

func (s *RoomSession) SetVideoEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoEnabled = on
	if s.local == nil {
		return nil
	}
	return s.local.SetVideoEnabled(on)
}

// State reports the negotiation state with peer; Idle when there is none.
func (s *RoomSession) State(id domain.ConnectionID) negotiation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[id]; ok {
		return p.machine.State()
	}
	return negotiation.Idle
}

func (s *RoomSession) Target() domain.ConnectionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *RoomSession) Self() domain.ConnectionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *RoomSession) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// opContext is cancelled by either parent or the end of the session.
func (s *RoomSession) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *RoomSession) peerLocked(id domain.ConnectionID) (*peer, error) {
	if p, ok := s.peers[id]; ok {
		return p, nil
	}
	neg, err := s.newNegotiator(id)
	if err != nil {
		return nil, fmt.Errorf("negotiator for %s: %w", id, err)
	}
	opts := []negotiation.Option{
		negotiation.WithClock(s.cfg.Clock),
		negotiation.WithAnswerTimeout(max(s.cfg.AnswerTimeout, 0)),
	}
	if fn := s.cfg.OnTransition; fn != nil {
		opts = append(opts, negotiation.WithObserver(func(tr negotiation.Transition) { fn(id, tr) }))
	}
	p := &peer{id: id, machine: negotiation.New(s.self, id, opts...), neg: neg}
	// Negotiator callbacks can fire while it holds its own locks.
	neg.OnNegotiationNeeded(func() { go s.onNegotiationNeeded(p) })
	neg.OnConnected(func() { go s.onTransportConnected(p) })
	s.peers[id] = p
	return p, nil
}

func (s *RoomSession) attachMediaLocked(ctx context.Context, p *peer) error {
	if p.media {
		return nil
	}
	if s.local == nil {
		m, err := s.media.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire local media: %w", err)
		}
		err = multierr.Combine(m.SetAudioEnabled(s.audioEnabled), m.SetVideoEnabled(s.videoEnabled))
		if err != nil {
			return multierr.Append(err, m.Release())
		}
		s.local = m
	}
	if err := p.neg.AddMedia(s.local); err != nil {
		return fmt.Errorf("add local media: %w", err)
	}
	p.media = true
	return nil
}

func (s *RoomSession) releaseMediaLocked() error {
	if s.local == nil {
		return nil
	}
	err := s.local.Release()
	s.local = nil
	return err
}

// dropPeerLocked closes the negotiation with id and forgets it. Local media
// is released once no peer is left.
func (s *RoomSession) dropPeerLocked(id domain.ConnectionID) error {
	p, ok := s.peers[id]
	if !ok {
		return nil
	}
	delete(s.peers, id)
	_, _ = p.machine.Fire(negotiation.Close)
	err := p.neg.Close()
	if len(s.peers) == 0 {
		err = multierr.Append(err, s.releaseMediaLocked())
	}
	return err
}
