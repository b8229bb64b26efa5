// Package negotiation tracks which offer/answer step is legal next between
// one local connection and one remote peer.
//
// A Machine never assumes in-order delivery across peers: anything that does
// not fit the current state is rejected and the caller drops it. Closed is
// absorbing.
package negotiation

import "errors"

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrClosed            = errors.New("negotiation closed")
	// ErrGlare is returned to the impolite side when a remote offer collides
	// with its own outstanding offer; the remote offer is dropped.
	ErrGlare = errors.New("offer collision")
)

type State int

const (
	Idle State = iota
	OfferSent
	OfferReceived
	Answered
	Connected
	Renegotiating
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer_sent"
	case OfferReceived:
		return "offer_received"
	case Answered:
		return "answered"
	case Connected:
		return "connected"
	case Renegotiating:
		return "renegotiating"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Event int

const (
	// LocalOffer: a local offer was generated and is being sent.
	LocalOffer Event = iota
	// RemoteOffer: incoming:call or peer:nego:needed.
	RemoteOffer
	// LocalAnswer: a local answer was generated and is being sent.
	LocalAnswer
	// RemoteAnswer: call:accepted or peer:nego:final was applied.
	RemoteAnswer
	// TransportConnected: the media transport reports an established link.
	TransportConnected
	// AnswerTimeout: no answer arrived for our offer in time.
	AnswerTimeout
	// Close: end of call or peer disconnect.
	Close
)

func (e Event) String() string {
	switch e {
	case LocalOffer:
		return "local_offer"
	case RemoteOffer:
		return "remote_offer"
	case LocalAnswer:
		return "local_answer"
	case RemoteAnswer:
		return "remote_answer"
	case TransportConnected:
		return "transport_connected"
	case AnswerTimeout:
		return "answer_timeout"
	case Close:
		return "close"
	}
	return "unknown"
}

// Side says who made the offer currently being negotiated.
type Side int

const (
	NoSide Side = iota
	LocalSide
	RemoteSide
)

type Verdict int

const (
	// Reject: not valid in the current state; drop and log.
	Reject Verdict = iota
	Accept
	// AcceptAfterRollback: valid once the local outstanding offer is rolled back.
	AcceptAfterRollback
	// Ignore: closed, or an impolite glare loser; drop quietly.
	Ignore
)

func (v Verdict) String() string {
	switch v {
	case Reject:
		return "reject"
	case Accept:
		return "accept"
	case AcceptAfterRollback:
		return "accept_after_rollback"
	case Ignore:
		return "ignore"
	}
	return "unknown"
}

// Transition is reported to observers after every state change.
type Transition struct {
	From     State
	To       State
	Event    Event
	Round    int
	Rollback bool
}
