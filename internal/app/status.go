package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/rs/zerolog/log"
)

// StatusReporter publishes the load of this server to the durable store.
type StatusReporter struct {
	url             string
	repo            core.CallRepository
	registry        *RoomRegistry
	sampler         core.TrafficSampler
	updateInterval  time.Duration
	trafficInterval time.Duration
}

func NewStatusReporter(url string, repo core.CallRepository, registry *RoomRegistry, sampler core.TrafficSampler, update, traffic time.Duration) *StatusReporter {
	return &StatusReporter{
		url:             url,
		repo:            repo,
		registry:        registry,
		sampler:         sampler,
		updateInterval:  update,
		trafficInterval: traffic,
	}
}

// Run upserts the status on every update tick and refreshes the traffic
// delta on every traffic tick. A failed upsert is returned.
func (s *StatusReporter) Run(ctx context.Context) error {
	logger := log.With().Str("module", "app.status").Str("url", s.url).Logger()

	// traffic is the byte delta between the last two samples
	var traffic uint64
	last, err := s.sampler.Sample()
	if err != nil {
		logger.Warn().Err(err).Msg("traffic sample")
	}
	update := time.NewTicker(s.updateInterval)
	defer update.Stop()
	sample := time.NewTicker(s.trafficInterval)
	defer sample.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sample.C:
			v, err := s.sampler.Sample()
			if err != nil {
				logger.Warn().Err(err).Msg("traffic sample")
				continue
			}
			if v >= last {
				traffic = v - last
			} else {
				traffic = v
			}
			last = v
		case <-update.C:
			status := domain.ServerStatus{OngoingCalls: s.registry.Len(), Traffic: traffic}
			if err := s.repo.UpsertCallServer(ctx, s.url, status); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("upsert call server status: %w", err)
			}
			logger.Trace().Int("ongoing_calls", status.OngoingCalls).Uint64("traffic", status.Traffic).Msg("status published")
		}
	}
}
