package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Callroom/internal/adapters/http"
	"github.com/dkeye/Callroom/internal/adapters/presence"
	"github.com/dkeye/Callroom/internal/app"
	"github.com/dkeye/Callroom/internal/config"
	"github.com/dkeye/Callroom/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var pres app.Presence = app.NopPresence{}
	if cfg.Redis.Addr != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		p, err := presence.Connect(connectCtx, cfg.Redis)
		connectCancel()
		if err != nil {
			return err
		}
		defer p.Close()
		pres = p
	}

	relay := app.NewRouter(app.NewRegistry(),
		app.WithPolicy(app.SimplePolicy{}),
		app.WithPresence(pres),
		app.WithMetrics(m),
		app.WithDepartureNotices(cfg.NotifyDepartures),
	)

	g, ctx := errgroup.WithContext(ctx)
	r := router.SetupRouter(ctx, cfg, router.Deps{Relay: relay, Presence: pres, Metrics: m, Gatherer: reg})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		relay.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Callroom relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})
	return g.Wait()
}
