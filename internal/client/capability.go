package client

import (
	"context"

	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/protocol"
)

// Negotiator is the session-description capability for one remote peer
// (a peer connection). Callbacks may fire on any goroutine.
type Negotiator interface {
	CreateOffer(ctx context.Context) (protocol.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error)
	ApplyAnswer(ctx context.Context, answer protocol.SessionDescription) error
	// Rollback discards an outstanding local offer.
	Rollback(ctx context.Context) error
	AddMedia(LocalMedia) error
	OnNegotiationNeeded(func())
	OnConnected(func())
	// Close releases the connection and any remote media it received.
	Close() error
}

type NegotiatorFactory func(peer domain.ConnectionID) (Negotiator, error)

// MediaCapability acquires local capture, e.g. a microphone and camera.
type MediaCapability interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

type LocalMedia interface {
	SetAudioEnabled(bool) error
	SetVideoEnabled(bool) error
	Release() error
}
