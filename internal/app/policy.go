package app

import "github.com/dkeye/Callroom/internal/domain"

type BackpressureAction int

const (
	DropMessage BackpressureAction = iota
	KickConnection
)

// Policy decides what happens to a connection whose send buffer is full.
type Policy interface {
	OnBackpressure(id domain.ConnectionID) BackpressureAction
}

// SimplePolicy kicks slow consumers; a signaling peer that cannot keep up
// with a handful of frames is not going to complete a negotiation.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(domain.ConnectionID) BackpressureAction {
	return KickConnection
}

type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.ConnectionID) BackpressureAction {
	return DropMessage
}
