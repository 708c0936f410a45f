package signal

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/dkeye/callserver/internal/app"
	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Admitter is the part of the room registry the controller needs.
type Admitter interface {
	Connect(ctx context.Context, req app.ConnectRequest, accept app.AcceptFunc) (*app.Room, *app.Peer, error)
}

type SignalWSController struct {
	ctx      context.Context
	rooms    Admitter
	limiter  *ConnectRateLimiter
	opts     ChannelOptions
	readLim  int64
	upgrader websocket.Upgrader
}

// NewSignalWSController serves peer channels until ctx is done.
func NewSignalWSController(ctx context.Context, rooms Admitter, limiter *ConnectRateLimiter, opts ChannelOptions, readLimit int64) *SignalWSController {
	return &SignalWSController{
		ctx:     ctx,
		rooms:   rooms,
		limiter: limiter,
		opts:    opts,
		readLim: readLimit,
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: []string{"protoo"},
		},
	}
}

type connectQuery struct {
	RoomID           string `form:"roomId"`
	PeerID           string `form:"peerId"`
	CallType         string `form:"callType"`
	ConsumerReplicas string `form:"consumerReplicas"`
}

func parseReplicas(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// HandleSignal admits a WebSocket connection into its room. The upgrade only
// happens once the registry accepted the peer, so refusals are plain HTTP.
func (ctl *SignalWSController) HandleSignal(c *gin.Context) {
	var q connectQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId and peerId are required"})
		return
	}
	if err := domain.ValidatePeerID(q.PeerID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger := log.With().Str("module", "signal").Str("room_id", q.RoomID).Str("peer_id", q.PeerID).Logger()

	if ctl.limiter != nil && !ctl.limiter.Allow(q.PeerID) {
		logger.Warn().Msg("connect rate limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	var ch *Channel
	accept := func() (core.PeerChannel, error) {
		ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return nil, err
		}
		if ctl.readLim > 0 {
			ws.SetReadLimit(ctl.readLim)
		}
		ch = NewChannel(ws, q.PeerID, ctl.opts)
		return ch, nil
	}

	req := app.ConnectRequest{
		RoomID:           q.RoomID,
		PeerID:           q.PeerID,
		CallType:         domain.ParseCallType(q.CallType),
		ConsumerReplicas: parseReplicas(q.ConsumerReplicas),
	}
	_, peer, err := ctl.rooms.Connect(c.Request.Context(), req, accept)
	if err != nil {
		code := domain.CodeOf(err)
		logger.Warn().Err(err).Str("code", string(code)).Msg("connection refused")
		if ch == nil && !c.Writer.Written() {
			status := domain.Status(code)
			if errors.Is(err, context.Canceled) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": string(code), "message": err.Error()})
		}
		return
	}

	logger.Info().Msg("peer channel open")
	go ch.Serve(ctl.ctx, peer)
}
