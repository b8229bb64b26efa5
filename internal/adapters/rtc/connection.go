// Package rtc backs the client capabilities with pion: a PeerConnection per
// remote peer as the Negotiator and static sample tracks as local media.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Callroom/internal/client"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrForeignMedia = errors.New("local media was not acquired by rtc.Capture")

func DefaultICEServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

func WebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers()
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// NewFactory returns a NegotiatorFactory creating one PeerConnection per
// remote peer. sink may be nil.
func NewFactory(cfg webrtc.Configuration, sink PacketSink) client.NegotiatorFactory {
	return func(peer domain.ConnectionID) (client.Negotiator, error) {
		return NewPeerConnection(cfg, peer, sink)
	}
}

type PeerConnection struct {
	pc     *webrtc.PeerConnection
	peer   domain.ConnectionID
	sink   PacketSink
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu          sync.Mutex
	onNeeded    func()
	onConnected func()
	media       *LocalMedia
	senders     []*webrtc.RTPSender
}

func NewPeerConnection(cfg webrtc.Configuration, peer domain.ConnectionID, sink PacketSink) (*PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &PeerConnection{
		pc:     pc,
		peer:   peer,
		sink:   sink,
		logger: log.With().Str("module", "webrtc").Str("peer", string(peer)).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateConnected {
			c.mu.Lock()
			fn := c.onConnected
			c.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})
	pc.OnNegotiationNeeded(func() {
		c.mu.Lock()
		fn := c.onNeeded
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drainRemote(c.ctx, c.peer, track, c.sink, &c.logger)
	})
	return c, nil
}

func (c *PeerConnection) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	c.onNeeded = fn
	c.mu.Unlock()
}

func (c *PeerConnection) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

func (c *PeerConnection) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return c.setLocal(ctx, offer)
}

func (c *PeerConnection) CreateAnswer(ctx context.Context, raw protocol.SessionDescription) (protocol.SessionDescription, error) {
	offer, err := decodeSDP(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return c.setLocal(ctx, answer)
}

func (c *PeerConnection) ApplyAnswer(_ context.Context, raw protocol.SessionDescription) error {
	answer, err := decodeSDP(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (c *PeerConnection) Rollback(context.Context) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if local := c.pc.LocalDescription(); local != nil {
		desc.SDP = local.SDP
	}
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// setLocal applies desc and waits for ICE gathering so the returned
// description carries every candidate.
func (c *PeerConnection) setLocal(ctx context.Context, desc webrtc.SessionDescription) (protocol.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, webrtc.ErrConnectionClosed
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *PeerConnection) AddMedia(m client.LocalMedia) error {
	lm, ok := m.(*LocalMedia)
	if !ok {
		return ErrForeignMedia
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, track := range lm.tracks() {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		lm.attach(sender, track)
		c.senders = append(c.senders, sender)
		go drainRTCP(sender)
	}
	c.media = lm
	return nil
}

// Close stops the connection and every remote track reader.
func (c *PeerConnection) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.media != nil {
			c.media.detach(c.senders...)
		}
		c.mu.Unlock()
		err = c.pc.Close()
		if err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
	return err
}

func decodeSDP(raw protocol.SessionDescription, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("decode %s: %w", want, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("expected %s, got %s", want, desc.Type)
	}
	return desc, nil
}

// drainRTCP keeps interceptors running for an outgoing track.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
