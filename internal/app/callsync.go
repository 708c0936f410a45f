package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/rs/zerolog/log"
)

// CallSync feeds call updates from the durable store into live rooms.
type CallSync struct {
	source        core.CallUpdateSource
	registry      *RoomRegistry
	probeInterval time.Duration
}

func NewCallSync(source core.CallUpdateSource, registry *RoomRegistry, probeInterval time.Duration) *CallSync {
	if probeInterval <= 0 {
		probeInterval = time.Minute
	}
	return &CallSync{source: source, registry: registry, probeInterval: probeInterval}
}

// Run returns nil when ctx is cancelled. Any other return means the
// subscription can no longer be trusted and the process must stop.
func (s *CallSync) Run(ctx context.Context) error {
	logger := log.With().Str("module", "app.callsync").Logger()
	logger.Info().Dur("probe_interval", s.probeInterval).Msg("call sync running")

	deadline := time.Now().Add(s.probeInterval)
	for {
		recvCtx, cancel := context.WithDeadline(ctx, deadline)
		update, err := s.source.Receive(recvCtx)
		cancel()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			probeCtx, cancel := context.WithTimeout(ctx, s.probeInterval)
			err := s.source.Ping(probeCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("call update liveness probe: %w", err)
			}
			logger.Debug().Msg("liveness probe ok")
			deadline = time.Now().Add(s.probeInterval)
		case err != nil:
			return fmt.Errorf("receive call update: %w", err)
		default:
			s.apply(update)
		}
	}
}

func (s *CallSync) apply(u domain.CallUpdate) {
	logger := log.With().Str("module", "app.callsync").Str("room_id", u.CallID).Logger()
	if err := u.Validate(); err != nil {
		logger.Warn().Err(err).Msg("ignoring call update")
		return
	}
	room, ok := s.registry.Get(u.CallID)
	if !ok {
		logger.Debug().Msg("update for a room not on this server")
		return
	}
	if u.Ended {
		logger.Info().Msg("call ended externally, closing room")
		room.ForceClose()
		return
	}
	if err := room.HandleCallUpdate(u.CallConfig); err != nil {
		logger.Warn().Err(err).Msg("call update not applied")
	}
}
