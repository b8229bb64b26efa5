package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Callroom/internal/client"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var ErrNoTracks = errors.New("capture has neither audio nor video")

// SampleSource produces samples for the local tracks until ctx ends. Either
// track may be nil.
type SampleSource interface {
	Run(ctx context.Context, audio, video *webrtc.TrackLocalStaticSample) error
}

// Capture is a MediaCapability producing opus audio and vp8 video tracks.
type Capture struct {
	Audio    bool
	Video    bool
	StreamID string
	Source   SampleSource
}

func (c Capture) Acquire(context.Context) (client.LocalMedia, error) {
	if !c.Audio && !c.Video {
		return nil, ErrNoTracks
	}
	stream := c.StreamID
	if stream == "" {
		stream = "callroom"
	}
	lm := &LocalMedia{
		audioOn: true,
		videoOn: true,
		senders: make(map[*webrtc.RTPSender]*webrtc.TrackLocalStaticSample),
	}
	var err error
	if c.Audio {
		lm.audio, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
		if err != nil {
			return nil, err
		}
	}
	if c.Video {
		lm.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
		if err != nil {
			return nil, err
		}
	}
	if c.Source != nil {
		ctx, cancel := context.WithCancel(context.Background())
		lm.cancel = cancel
		lm.done = make(chan struct{})
		go func() {
			defer close(lm.done)
			if err := c.Source.Run(ctx, lm.audio, lm.video); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("module", "webrtc.media").Msg("sample source stopped")
			}
		}()
	}
	return lm, nil
}

// LocalMedia owns the local tracks. Disabling a kind detaches its track from
// every sender without renegotiating.
type LocalMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	audioOn  bool
	videoOn  bool
	released bool
	senders  map[*webrtc.RTPSender]*webrtc.TrackLocalStaticSample
}

func (m *LocalMedia) tracks() []*webrtc.TrackLocalStaticSample {
	var out []*webrtc.TrackLocalStaticSample
	if m.audio != nil {
		out = append(out, m.audio)
	}
	if m.video != nil {
		out = append(out, m.video)
	}
	return out
}

func (m *LocalMedia) attach(sender *webrtc.RTPSender, track *webrtc.TrackLocalStaticSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[sender] = track
	if (track == m.audio && !m.audioOn) || (track == m.video && !m.videoOn) {
		if err := sender.ReplaceTrack(nil); err != nil {
			log.Warn().Err(err).Str("module", "webrtc.media").Msg("mute on attach")
		}
	}
}

func (m *LocalMedia) detach(senders ...*webrtc.RTPSender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range senders {
		delete(m.senders, s)
	}
}

func (m *LocalMedia) SetAudioEnabled(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioOn = on
	return m.replaceLocked(m.audio, on)
}

func (m *LocalMedia) SetVideoEnabled(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOn = on
	return m.replaceLocked(m.video, on)
}

func (m *LocalMedia) replaceLocked(track *webrtc.TrackLocalStaticSample, on bool) error {
	if track == nil || m.released {
		return nil
	}
	var err error
	for sender, t := range m.senders {
		if t != track {
			continue
		}
		if on {
			err = multierr.Append(err, sender.ReplaceTrack(track))
		} else {
			err = multierr.Append(err, sender.ReplaceTrack(nil))
		}
	}
	return err
}

// Release stops the sample source. Safe to call more than once.
func (m *LocalMedia) Release() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	m.senders = make(map[*webrtc.RTPSender]*webrtc.TrackLocalStaticSample)
	m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return nil
}

// opusSilence is a 20ms opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource writes opus silence to the audio track every 20ms, enough
// for a headless peer to keep a call alive.
type SilenceSource struct{}

func (SilenceSource) Run(ctx context.Context, audio, _ *webrtc.TrackLocalStaticSample) error {
	if audio == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := audio.WriteSample(media.Sample{Data: opusSilence, Duration: frame}); err != nil {
				return err
			}
		}
	}
}
