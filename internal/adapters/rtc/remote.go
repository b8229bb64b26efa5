package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/Callroom/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PacketSink receives every RTP packet of a remote track.
type PacketSink func(peer domain.ConnectionID, kind webrtc.RTPCodecType, pkt *rtp.Packet)

// drainRemote reads a remote track until it ends or ctx is cancelled.
func drainRemote(ctx context.Context, peer domain.ConnectionID, track *webrtc.TrackRemote, sink PacketSink, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Str("track_id", track.ID()).Msg("remote track ended")
			return
		}
		if sink != nil {
			sink(peer, track.Kind(), pkt)
		}
	}
}

type TrackStats struct {
	Packets   uint64
	Bytes     uint64
	LastSeq   uint16
	Timestamp uint32
}

// Stats aggregates received RTP per peer and media kind.
type Stats struct {
	mu    sync.Mutex
	byKey map[statsKey]*TrackStats
}

type statsKey struct {
	peer domain.ConnectionID
	kind webrtc.RTPCodecType
}

func NewStats() *Stats {
	return &Stats{byKey: make(map[statsKey]*TrackStats)}
}

func (s *Stats) Sink(peer domain.ConnectionID, kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := statsKey{peer, kind}
	ts, ok := s.byKey[k]
	if !ok {
		ts = &TrackStats{}
		s.byKey[k] = ts
	}
	ts.Packets++
	ts.Bytes += uint64(len(pkt.Payload))
	ts.LastSeq = pkt.SequenceNumber
	ts.Timestamp = pkt.Timestamp
}

func (s *Stats) Get(peer domain.ConnectionID, kind webrtc.RTPCodecType) TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.byKey[statsKey{peer, kind}]; ok {
		return *ts
	}
	return TrackStats{}
}
