package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OpenFunc registers a store subscription that hands every insert to push.
type OpenFunc func(ctx context.Context, push func(Envelope)) (core.Subscription, error)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	Buffer     int
	Policy     Policy
}

// Feed upgrades subscription requests and streams store inserts to them.
type Feed struct {
	readLimit  int64
	pingPeriod time.Duration
	buffer     int
	policy     Policy
	upgrader   websocket.Upgrader
	registry   *registry
	sendWait   time.Duration
}

func NewFeed(opts Options) *Feed {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32768
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	return &Feed{
		readLimit:  opts.ReadLimit,
		pingPeriod: opts.PingPeriod,
		buffer:     opts.Buffer,
		policy:     opts.Policy,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry: newRegistry(),
		sendWait: writeWait,
	}
}

// Disconnect closes every subscriber socket of a session.
func (f *Feed) Disconnect(id domain.SessionRecordID) int {
	return f.registry.disconnect(id)
}

// Subscribers counts open subscriber sockets.
func (f *Feed) Subscribers() int {
	return f.registry.count()
}

// Serve upgrades the request and blocks until the subscriber disconnects.
// The caller has already checked that the session exists.
func (f *Feed) Serve(c *gin.Context, name string, id domain.SessionRecordID, open OpenFunc) {
	logger := log.With().
		Str("module", "adapters.ws").
		Str("feed", name).
		Str("session", string(id)).
		Str("client", c.GetString("client_token")).
		Logger()

	wsConn, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	conn := newConn(wsConn, f.buffer)
	f.registry.bind(id, conn)
	defer f.registry.unbind(id, conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.writePump(conn, &logger)

	sub, err := open(ctx, func(env Envelope) { f.deliver(conn, name, env, &logger) })
	if err != nil {
		logger.Warn().Err(err).Msg("subscribe failed")
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer sub.Close()

	if err := f.sendJSON(conn, Envelope{Type: TypeReady}, &logger); err != nil {
		conn.Close()
		return
	}
	logger.Info().Msg("subscriber connected")
	f.readPump(conn, &logger)
	logger.Info().Msg("subscriber disconnected")
}

func (f *Feed) deliver(c *Conn, name string, env Envelope, logger *zerolog.Logger) {
	b, err := json.Marshal(env)
	if err != nil {
		logger.Error().Err(err).Msg("marshal envelope")
		return
	}
	err = c.Send(b, f.sendWait)
	if err == nil || err == ErrConnClosed {
		return
	}
	switch f.policy.OnBackPressure(name, len(c.send)) {
	case KickSubscriber:
		logger.Warn().Msg("slow subscriber kicked")
		c.Close()
	case DropMessage:
		logger.Warn().Str("type", env.Type).Msg("message dropped for slow subscriber")
	case NoAction:
	}
}
