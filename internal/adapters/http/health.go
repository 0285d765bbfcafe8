package http

import (
	"net/http"
	"time"

	"github.com/dkeye/callscribe/internal/adapters/ws"
	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Rooms       int    `json:"rooms"`
	Subscribers int    `json:"subscribers"`
}

func handlerHealth(started time.Time, store Store, feed *ws.Feed) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:      "ok",
			Uptime:      time.Since(started).Round(time.Second).String(),
			Rooms:       len(store.ListRooms()),
			Subscribers: feed.Subscribers(),
		})
	}
}
