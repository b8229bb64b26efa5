// Package protocol defines the relay message set as a closed tagged union.
//
// Every frame on the wire is one envelope: {"event": "<name>", "data": {...}}.
// Session descriptions travel as opaque JSON and are never interpreted here.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/Callroom/internal/domain"
)

const (
	EventRoomJoin     = "room:join"
	EventRoomLeave    = "room:leave"
	EventUserJoined   = "user:joined"
	EventUserLeft     = "user:left"
	EventUserCall     = "user:call"
	EventIncomingCall = "incoming:call"
	EventCallAccepted = "call:accepted"
	EventNegoNeeded   = "peer:nego:needed"
	EventNegoDone     = "peer:nego:done"
	EventNegoFinal    = "peer:nego:final"
	EventCallEnd      = "call:end"
	EventCallEnded    = "call:ended"
)

// SessionDescription is an opaque offer or answer blob.
type SessionDescription = json.RawMessage

// Message is implemented by every relay message, inbound and outbound.
type Message interface {
	Event() string
}

// Client -> relay.

type RoomJoin struct {
	Email string `json:"email"`
	Room  string `json:"room"`
}

type RoomLeave struct{}

type UserCall struct {
	To    domain.ConnectionID `json:"to"`
	Offer SessionDescription  `json:"offer"`
}

type CallAccept struct {
	To     domain.ConnectionID `json:"to"`
	Answer SessionDescription  `json:"ans"`
}

type NegoNeeded struct {
	To    domain.ConnectionID `json:"to"`
	Offer SessionDescription  `json:"offer"`
}

type NegoDone struct {
	To     domain.ConnectionID `json:"to"`
	Answer SessionDescription  `json:"ans"`
}

type CallEnd struct {
	To domain.ConnectionID `json:"to"`
}

// Relay -> client.

// RoomJoined acknowledges a join to the joining connection only. ID carries
// the connection id the relay assigned to it.
type RoomJoined struct {
	Email string              `json:"email"`
	Room  string              `json:"room"`
	ID    domain.ConnectionID `json:"id,omitempty"`
}

type UserJoined struct {
	Email string              `json:"email"`
	ID    domain.ConnectionID `json:"id"`
}

type UserLeft struct {
	Email string              `json:"email"`
	ID    domain.ConnectionID `json:"id"`
}

type IncomingCall struct {
	From  domain.ConnectionID `json:"from"`
	Offer SessionDescription  `json:"offer"`
}

type CallAccepted struct {
	From   domain.ConnectionID `json:"from"`
	Answer SessionDescription  `json:"ans"`
}

type PeerNegoNeeded struct {
	From  domain.ConnectionID `json:"from"`
	Offer SessionDescription  `json:"offer"`
}

type NegoFinal struct {
	From   domain.ConnectionID `json:"from"`
	Answer SessionDescription  `json:"ans"`
}

type CallEnded struct {
	From domain.ConnectionID `json:"from"`
}

func (RoomJoin) Event() string   { return EventRoomJoin }
func (RoomLeave) Event() string  { return EventRoomLeave }
func (UserCall) Event() string   { return EventUserCall }
func (CallAccept) Event() string { return EventCallAccepted }
func (NegoNeeded) Event() string { return EventNegoNeeded }
func (NegoDone) Event() string   { return EventNegoDone }
func (CallEnd) Event() string    { return EventCallEnd }

func (RoomJoined) Event() string     { return EventRoomJoin }
func (UserJoined) Event() string     { return EventUserJoined }
func (UserLeft) Event() string       { return EventUserLeft }
func (IncomingCall) Event() string   { return EventIncomingCall }
func (CallAccepted) Event() string   { return EventCallAccepted }
func (PeerNegoNeeded) Event() string { return EventNegoNeeded }
func (NegoFinal) Event() string      { return EventNegoFinal }
func (CallEnded) Event() string      { return EventCallEnded }
