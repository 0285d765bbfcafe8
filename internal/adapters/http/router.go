package http

import (
	"context"
	"time"

	"github.com/dkeye/callscribe/internal/adapters/ws"
	"github.com/dkeye/callscribe/internal/config"
	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store is what the server exposes over HTTP.
type Store interface {
	core.Store
	LookupRoom(code domain.RoomCode) (domain.Room, error)
	ListRooms() []domain.Room
	DeleteRoom(code domain.RoomCode) error
	LookupSession(id domain.SessionRecordID) (domain.Room, error)
	ListFragments(id domain.SessionRecordID) ([]domain.Fragment, error)
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter builds the store server. The limiter is swept until ctx ends.
func SetupRouter(ctx context.Context, cfg *config.Config, store Store) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookies := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallscribeSessions", cookies))
	r.Use(ClientTokenMiddleware())

	limiter := NewRateLimiter(cfg.Store.SignalRateLimit, cfg.Store.SignalRateInterval)
	go sweep(ctx, limiter, cfg.Store.SignalRateInterval)

	h := &handlers{
		store:   store,
		limiter: limiter,
		feed: ws.NewFeed(ws.Options{
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
			Buffer:     cfg.Store.SubscriberBuffer,
			Policy:     ws.SimplePolicy{},
		}),
	}

	r.GET("/healthz", handlerHealth(time.Now(), store, h.feed))

	api := r.Group("/api")
	api.POST("/rooms", h.createRoom)
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:code", h.getRoom)
	api.DELETE("/rooms/:code", h.deleteRoom)

	sess := api.Group("/sessions/:id", h.requireSession)
	sess.POST("/signals", h.postSignal)
	sess.GET("/signals/ws", h.signalsWS)
	sess.POST("/transcripts", h.postFragment)
	sess.GET("/transcripts", h.listFragments)
	sess.GET("/transcripts/ws", h.fragmentsWS)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func sweep(ctx context.Context, rl *RateLimiter, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Forget()
		}
	}
}
