package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Callroom/internal/domain"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("bad payload")
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type validator interface {
	validate() error
}

type decodeFunc func(json.RawMessage) (Message, error)

var inbound = map[string]decodeFunc{
	EventRoomJoin:     decodeAs[RoomJoin],
	EventRoomLeave:    decodeAs[RoomLeave],
	EventUserCall:     decodeAs[UserCall],
	EventCallAccepted: decodeAs[CallAccept],
	EventNegoNeeded:   decodeAs[NegoNeeded],
	EventNegoDone:     decodeAs[NegoDone],
	EventCallEnd:      decodeAs[CallEnd],
}

var outbound = map[string]decodeFunc{
	EventRoomJoin:     decodeAs[RoomJoined],
	EventUserJoined:   decodeAs[UserJoined],
	EventUserLeft:     decodeAs[UserLeft],
	EventIncomingCall: decodeAs[IncomingCall],
	EventCallAccepted: decodeAs[CallAccepted],
	EventNegoNeeded:   decodeAs[PeerNegoNeeded],
	EventNegoFinal:    decodeAs[NegoFinal],
	EventCallEnded:    decodeAs[CallEnded],
}

// Encode wraps m into its wire envelope.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Event(), err)
	}
	return json.Marshal(envelope{Event: m.Event(), Data: data})
}

// DecodeInbound parses a client -> relay frame.
func DecodeInbound(frame []byte) (Message, error) {
	return decode(frame, inbound)
}

// DecodeOutbound parses a relay -> client frame.
func DecodeOutbound(frame []byte) (Message, error) {
	return decode(frame, outbound)
}

func decode(frame []byte, table map[string]decodeFunc) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	fn, ok := table[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return fn(env.Data)
}

func decodeAs[T Message](data json.RawMessage) (Message, error) {
	var m T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, m.Event(), err)
		}
	}
	if v, ok := any(m).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, m.Event(), err)
		}
	}
	return m, nil
}

func requirePeer(field string, id domain.ConnectionID) error {
	if id == "" {
		return fmt.Errorf("missing %s", field)
	}
	return nil
}

func requireSDP(field string, sd SessionDescription) error {
	trimmed := bytes.TrimSpace(sd)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("missing %s", field)
	}
	return nil
}

func (m RoomJoin) validate() error {
	if m.Email == "" || m.Room == "" {
		return errors.New("email and room are required")
	}
	return nil
}

func (m UserCall) validate() error {
	if err := requirePeer("to", m.To); err != nil {
		return err
	}
	return requireSDP("offer", m.Offer)
}

func (m CallAccept) validate() error {
	if err := requirePeer("to", m.To); err != nil {
		return err
	}
	return requireSDP("ans", m.Answer)
}

func (m NegoNeeded) validate() error {
	if err := requirePeer("to", m.To); err != nil {
		return err
	}
	return requireSDP("offer", m.Offer)
}

func (m NegoDone) validate() error {
	if err := requirePeer("to", m.To); err != nil {
		return err
	}
	return requireSDP("ans", m.Answer)
}

func (m CallEnd) validate() error { return requirePeer("to", m.To) }

func (m IncomingCall) validate() error {
	if err := requirePeer("from", m.From); err != nil {
		return err
	}
	return requireSDP("offer", m.Offer)
}

func (m CallAccepted) validate() error {
	if err := requirePeer("from", m.From); err != nil {
		return err
	}
	return requireSDP("ans", m.Answer)
}

func (m PeerNegoNeeded) validate() error {
	if err := requirePeer("from", m.From); err != nil {
		return err
	}
	return requireSDP("offer", m.Offer)
}

func (m NegoFinal) validate() error {
	if err := requirePeer("from", m.From); err != nil {
		return err
	}
	return requireSDP("ans", m.Answer)
}

func (m UserJoined) validate() error { return requirePeer("id", m.ID) }
func (m UserLeft) validate() error   { return requirePeer("id", m.ID) }
func (m CallEnded) validate() error  { return requirePeer("from", m.From) }
