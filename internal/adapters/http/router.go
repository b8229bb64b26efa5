package http

import (
	"context"

	"github.com/dkeye/Callroom/internal/adapters/signal"
	"github.com/dkeye/Callroom/internal/app"
	"github.com/dkeye/Callroom/internal/config"
	"github.com/dkeye/Callroom/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Relay    *app.Router
	Presence app.Presence
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

func SignalOptions(cfg *config.Config) signal.Options {
	return signal.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		PongWait:     cfg.PongWait,
		WriteWait:    cfg.WriteWait,
		SendBuffer:   cfg.SendBuffer,
		RateLimit:    cfg.RateLimit.Messages,
		RateInterval: cfg.RateLimit.Interval,
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Presence == nil {
		deps.Presence = app.NopPresence{}
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(OriginFilter(cfg.AllowedOrigins))
	}

	h := &handlers{relay: deps.Relay, presence: deps.Presence}
	r.GET("/health", h.health)

	api := r.Group("/api")
	api.GET("/rooms", h.rooms)
	api.GET("/rooms/:room/members", h.members)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	ctrl := signal.NewSignalWSController(deps.Relay, deps.Metrics, SignalOptions(cfg))
	ws := r.Group("/ws")
	if cfg.JWTSecret != "" {
		ws.Use(JWTAuth(cfg.JWTSecret))
	}
	ws.GET("/signal", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "http").Bool("auth", cfg.JWTSecret != "").Strs("origins", cfg.AllowedOrigins).Msg("router setup")
	return r
}
