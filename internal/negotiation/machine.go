package negotiation

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultAnswerTimeout = 15 * time.Second

type step struct {
	to       State
	offerer  Side
	verdict  Verdict
	err      error
	rollback bool
}

// Machine is the negotiation state of one local connection towards one
// remote peer. It is safe for concurrent use.
type Machine struct {
	mu      sync.Mutex
	local   domain.ConnectionID
	remote  domain.ConnectionID
	state   State
	offerer Side
	round   int

	clock         clock.Clock
	answerTimeout time.Duration
	timer         *clock.Timer
	observers     []func(Transition)
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option { return func(m *Machine) { m.clock = c } }

// WithAnswerTimeout bounds the wait for a remote answer. Zero disables it.
func WithAnswerTimeout(d time.Duration) Option {
	return func(m *Machine) { m.answerTimeout = d }
}

func WithObserver(fn func(Transition)) Option {
	return func(m *Machine) { m.observers = append(m.observers, fn) }
}

func New(local, remote domain.ConnectionID, opts ...Option) *Machine {
	m := &Machine{
		local:         local,
		remote:        remote,
		clock:         clock.New(),
		answerTimeout: DefaultAnswerTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Remote() domain.ConnectionID { return m.remote }

// Polite reports whether this side yields on offer collision. The side with
// the lexicographically smaller connection id is polite.
func (m *Machine) Polite() bool { return m.local < m.remote }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Offerer reports who made the outstanding offer, if any.
func (m *Machine) Offerer() Side {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offerer
}

// Decide reports what Fire(ev) would do, without changing state.
func (m *Machine) Decide(ev Event) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next(ev).verdict
}

// Fire applies ev and returns the resulting state. A rejected event leaves
// the state unchanged.
func (m *Machine) Fire(ev Event) (State, error) {
	return m.fire(ev, -1)
}

func (m *Machine) fire(ev Event, round int) (State, error) {
	m.mu.Lock()
	if round >= 0 && round != m.round {
		// A timer from an earlier round.
		s := m.state
		m.mu.Unlock()
		return s, ErrInvalidTransition
	}
	st := m.next(ev)
	if st.err != nil {
		s := m.state
		m.mu.Unlock()
		log.Debug().
			Str("module", "negotiation").
			Str("peer", string(m.remote)).
			Str("state", s.String()).
			Str("event", ev.String()).
			Err(st.err).
			Msg("event dropped")
		return s, st.err
	}

	tr := Transition{From: m.state, To: st.to, Event: ev, Rollback: st.rollback}
	if ev == LocalOffer || ev == RemoteOffer {
		m.round++
	}
	tr.Round = m.round
	m.state = st.to
	m.offerer = st.offerer
	m.resetTimerLocked()
	observers := append([]func(Transition){}, m.observers...)
	m.mu.Unlock()

	log.Debug().
		Str("module", "negotiation").
		Str("peer", string(m.remote)).
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Str("event", ev.String()).
		Int("round", tr.Round).
		Msg("transition")
	for _, fn := range observers {
		fn(tr)
	}
	return tr.To, nil
}

// resetTimerLocked arms the answer timer while a local offer is outstanding.
func (m *Machine) resetTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.answerTimeout <= 0 || m.offerer != LocalSide {
		return
	}
	round := m.round
	m.timer = m.clock.AfterFunc(m.answerTimeout, func() {
		_, _ = m.fire(AnswerTimeout, round)
	})
}

func (m *Machine) next(ev Event) step {
	if m.state == Closed {
		return step{to: Closed, verdict: Ignore, err: ErrClosed}
	}
	if ev == Close {
		return step{to: Closed, verdict: Accept}
	}

	reject := step{to: m.state, offerer: m.offerer, verdict: Reject, err: ErrInvalidTransition}

	switch m.state {
	case Idle:
		switch ev {
		case LocalOffer:
			return step{to: OfferSent, offerer: LocalSide, verdict: Accept}
		case RemoteOffer:
			return step{to: OfferReceived, offerer: RemoteSide, verdict: Accept}
		}
	case OfferSent:
		switch ev {
		case RemoteAnswer:
			return step{to: Connected, verdict: Accept}
		case RemoteOffer:
			return m.collide(OfferReceived)
		case AnswerTimeout:
			return step{to: Idle, verdict: Accept}
		}
	case OfferReceived:
		if ev == LocalAnswer {
			return step{to: Answered, verdict: Accept}
		}
	case Answered:
		if ev == TransportConnected {
			return step{to: Connected, verdict: Accept}
		}
	case Connected:
		switch ev {
		case LocalOffer:
			return step{to: Renegotiating, offerer: LocalSide, verdict: Accept}
		case RemoteOffer:
			return step{to: Renegotiating, offerer: RemoteSide, verdict: Accept}
		}
	case Renegotiating:
		switch {
		case m.offerer == LocalSide && ev == RemoteAnswer:
			return step{to: Connected, verdict: Accept}
		case m.offerer == LocalSide && ev == RemoteOffer:
			return m.collide(Renegotiating)
		case m.offerer == LocalSide && ev == AnswerTimeout:
			// The round is abandoned; the established session stays.
			return step{to: Connected, verdict: Accept}
		case m.offerer == RemoteSide && ev == LocalAnswer:
			return step{to: Connected, verdict: Accept}
		}
	}
	return reject
}

// collide resolves a remote offer arriving while our own offer is
// outstanding.
func (m *Machine) collide(to State) step {
	if m.Polite() {
		return step{to: to, offerer: RemoteSide, verdict: AcceptAfterRollback, rollback: true}
	}
	return step{to: m.state, offerer: m.offerer, verdict: Ignore, err: ErrGlare}
}
