package http

import (
	"net/http"

	"github.com/dkeye/callserver/internal/adapters/signal"
	"github.com/dkeye/callserver/internal/app"
	"github.com/dkeye/callserver/internal/config"
	"github.com/dkeye/callserver/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Rooms is the read side of the room registry.
type Rooms interface {
	Get(id string) (*app.Room, bool)
	List() []*app.Room
}

// SetupRouter wires the control plane and the peer channel endpoint.
// - GET /hello and /healthz are liveness probes
// - GET /rooms lists live rooms, GET /rooms/:roomId returns router capabilities
// - the WebSocket upgrade lives at / and /ws
func SetupRouter(cfg *config.Config, rooms Rooms, ctrl *signal.SignalWSController, m *metrics.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/hello", func(c *gin.Context) {
		c.String(http.StatusOK, "hello")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": len(rooms.List())})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	// GET /rooms: live rooms of this server
	r.GET("/rooms", func(c *gin.Context) {
		list := rooms.List()
		out := make([]app.RoomInfo, 0, len(list))
		for _, room := range list {
			out = append(out, room.Info())
		}
		c.JSON(http.StatusOK, gin.H{"rooms": out})
	})

	// GET /rooms/:roomId: router capabilities of a live room
	r.GET("/rooms/:roomId", func(c *gin.Context) {
		room, ok := rooms.Get(c.Param("roomId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, room.RtpCapabilities())
	})

	r.GET("/", ctrl.HandleSignal)
	r.GET("/ws", ctrl.HandleSignal)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
