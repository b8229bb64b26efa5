package main

import (
	"errors"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/dkeye/Callroom/internal/config"
)

type options struct {
	url           string
	email         string
	room          string
	token         string
	autoCall      bool
	audio         bool
	video         bool
	answerTimeout time.Duration
	iceServers    []string
	verbose       bool
}

// parseFlags reads args; the relay port and the client section of cfg supply
// the defaults.
func parseFlags(cfg *config.Config, args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("peer", flag.ContinueOnError)
	fs.StringVar(&o.url, "url", fmt.Sprintf("ws://localhost:%d/ws/signal", cfg.Port), "relay websocket URL")
	fs.StringVar(&o.email, "email", "peer@localhost", "email announced to the room")
	fs.StringVar(&o.room, "room", "", "room to join (required)")
	fs.StringVar(&o.token, "token", "", "bearer token for the relay")
	fs.BoolVar(&o.autoCall, "call", false, "call the most recent participant that joins")
	fs.BoolVar(&o.audio, "audio", true, "send an audio track")
	fs.BoolVar(&o.video, "video", false, "send a video track")
	fs.DurationVar(&o.answerTimeout, "answer-timeout", cfg.Client.AnswerTimeout, "how long an offer waits for an answer")
	fs.StringSliceVar(&o.iceServers, "ice", cfg.Client.ICEServers, "ICE server URLs")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.room == "" {
		return nil, errors.New("--room is required")
	}
	return o, nil
}
