// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxEmailLen = 254
	MaxRoomLen  = 64
)

var (
	ErrEmailEmpty   = errors.New("email empty")
	ErrEmailTooLong = errors.New("email too long")
	ErrRoomEmpty    = errors.New("room empty")
	ErrRoomTooLong  = errors.New("room too long")
)

type (
	// ConnectionID is assigned by the relay transport, never chosen by a client.
	ConnectionID string
	// Email is a display/identity hint. It is not authenticated.
	Email  string
	RoomID string
)

// Participant is one live connection's membership in a room.
type Participant struct {
	ID    ConnectionID `json:"id"`
	Email Email        `json:"email"`
	Room  RoomID       `json:"room"`
}

func NewParticipant(id ConnectionID, email string, room string) (*Participant, error) {
	e, err := ParseEmail(email)
	if err != nil {
		return nil, err
	}
	r, err := ParseRoom(room)
	if err != nil {
		return nil, err
	}
	return &Participant{ID: id, Email: e, Room: r}, nil
}

func ParseEmail(s string) (Email, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return "", ErrEmailEmpty
	}
	if len(s) > MaxEmailLen {
		return "", ErrEmailTooLong
	}
	return Email(s), nil
}

func ParseRoom(s string) (RoomID, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return "", ErrRoomEmpty
	}
	if len(s) > MaxRoomLen {
		return "", ErrRoomTooLong
	}
	return RoomID(s), nil
}
