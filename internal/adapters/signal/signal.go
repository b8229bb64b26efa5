package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Callroom/internal/app"
	"github.com/dkeye/Callroom/internal/core"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/dkeye/Callroom/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SubjectKey is the gin context key under which authentication middleware
// stores the token subject.
const SubjectKey = "subject"

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	RateLimit    int
	RateInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:    32768,
		PingPeriod:   54 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    5 * time.Second,
		SendBuffer:   32,
		RateLimit:    50,
		RateInterval: time.Second,
	}
}

// SignalWSController upgrades /ws/signal requests and feeds each
// connection's frames to the router.
type SignalWSController struct {
	Router  *app.Router
	Metrics *metrics.Metrics

	opts     Options
	logger   zerolog.Logger
	limiter  *RateLimiter
	upgrader websocket.Upgrader
}

func NewSignalWSController(router *app.Router, m *metrics.Metrics, opts Options) *SignalWSController {
	return &SignalWSController{
		Router:  router,
		Metrics: m,
		opts:    opts,
		logger:  log.Logger,
		limiter: NewRateLimiter(opts.RateLimit, opts.RateInterval),
		upgrader: websocket.Upgrader{
			// Origins are filtered by the HTTP middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	id := domain.ConnectionID(uuid.NewString())
	logger := ctl.logger.With().Str("module", "signal").Str("sid", string(id)).Logger()

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}
	if subject := c.GetString(SubjectKey); subject != "" {
		logger = logger.With().Str("subject", subject).Logger()
	}
	logger.Info().Str("remote", c.ClientIP()).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	ctl.Router.Connect(id, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, id, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}
