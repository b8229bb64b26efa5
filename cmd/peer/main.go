// Command peer is a headless room participant: it joins a room over the
// relay, answers calls with pion and optionally calls whoever joins.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Callroom/internal/adapters/rtc"
	"github.com/dkeye/Callroom/internal/client"
	"github.com/dkeye/Callroom/internal/config"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/negotiation"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	opts, err := parseFlags(cfg, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	if opts.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	header := http.Header{}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := client.Dial(dialCtx, opts.url, header)
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("dial relay")
	}
	defer conn.Close()

	stats := rtc.NewStats()
	capture := rtc.Capture{Audio: opts.audio, Video: opts.video, StreamID: opts.email, Source: rtc.SilenceSource{}}
	factory := rtc.NewFactory(rtc.WebRTCConfig(opts.iceServers), stats.Sink)

	var session *client.RoomSession
	session = client.NewRoomSession(conn, capture, factory, client.Config{
		Email:         opts.email,
		Room:          opts.room,
		AnswerTimeout: opts.answerTimeout,
		OnUserJoined: func(id domain.ConnectionID, _ string) {
			if !opts.autoCall {
				return
			}
			go func() {
				if err := session.Call(ctx); err != nil {
					log.Warn().Err(err).Str("peer", string(id)).Msg("call failed")
				}
			}()
		},
		OnTransition: func(peer domain.ConnectionID, tr negotiation.Transition) {
			log.Info().
				Str("module", "peer").
				Str("peer", string(peer)).
				Str("from", tr.From.String()).
				Str("to", tr.To.String()).
				Msg("negotiation")
		},
	})

	joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
	err = session.Join(joinCtx)
	joinCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("join room")
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := session.EndCall(); err != nil {
				log.Error().Err(err).Msg("end call")
			}
			return
		case <-conn.Done():
			log.Warn().Msg("relay connection closed")
			return
		case <-ticker.C:
			if target := session.Target(); target != "" {
				s := stats.Get(target, webrtc.RTPCodecTypeAudio)
				log.Info().
					Str("module", "peer").
					Str("peer", string(target)).
					Str("state", session.State(target).String()).
					Uint64("audio_packets", s.Packets).
					Uint64("audio_bytes", s.Bytes).
					Msg("stats")
			}
		}
	}
}
