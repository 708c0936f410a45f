package app

import (
	"context"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/sourcegraph/conc"
)

type newConsumerRequest struct {
	PeerID         string               `json:"peerId"`
	ProducerID     string               `json:"producerId"`
	ID             string               `json:"id"`
	Kind           domain.MediaKind     `json:"kind"`
	RtpParameters  domain.RtpParameters `json:"rtpParameters"`
	Type           string               `json:"type"`
	AppData        map[string]any       `json:"appData"`
	ProducerPaused bool                 `json:"producerPaused"`
}

type consumerIDNotification struct {
	ConsumerID string `json:"consumerId"`
}

type consumerScoreNotification struct {
	ConsumerID string               `json:"consumerId"`
	Score      domain.ConsumerScore `json:"score"`
}

type consumerLayersNotification struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  *int   `json:"spatialLayer"`
	TemporalLayer *int   `json:"temporalLayer"`
}

// createConsumers gives consumerPeer one consumer of producer plus the
// configured replicas. A failing replica never affects its siblings.
func (r *Room) createConsumers(consumerPeer, producerPeer *Peer, producer core.MediaProducer) {
	r.mu.RLock()
	caps := consumerPeer.rtpCapabilities
	r.mu.RUnlock()

	logger := consumerPeer.logger.With().Str("producer_id", producer.ID()).Str("producer_peer", producerPeer.id).Logger()
	if caps == nil || !r.router.CanConsume(producer.ID(), *caps) {
		logger.Debug().Msg("peer cannot consume producer")
		return
	}
	transport := consumerPeer.consumingTransport()
	if transport == nil {
		logger.Debug().Msg("no consuming transport")
		return
	}

	var wg conc.WaitGroup
	for replica := range 1 + r.consumerReplicas {
		wg.Go(func() {
			if err := r.createConsumer(consumerPeer, producerPeer, transport, producer, *caps); err != nil {
				logger.Warn().Err(err).Int("replica", replica).Msg("consumer not created")
			}
		})
	}
	if rec := wg.WaitAndRecover(); rec != nil {
		logger.Error().Str("panic", rec.String()).Msg("consumer fan-out panicked")
	}
}

func (r *Room) createConsumer(consumerPeer, producerPeer *Peer, transport core.MediaTransport, producer core.MediaProducer, caps domain.RtpCapabilities) error {
	ctx := consumerPeer.ctx
	c, err := transport.Consume(ctx, core.ConsumeOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: caps,
		Paused:          true,
	})
	if err != nil {
		return err
	}
	id := c.ID()
	if !consumerPeer.addConsumer(c) {
		c.Close()
		return domain.Errorf(domain.CodeServiceUnavailable, "peer is closing")
	}
	r.metrics.ConsumerCreated()

	c.Handle(core.ConsumerHandlers{
		TransportClose: func() { consumerPeer.removeConsumer(id) },
		ProducerClose: func() {
			consumerPeer.removeConsumer(id)
			r.notify(consumerPeer, "consumerClosed", consumerIDNotification{ConsumerID: id})
		},
		ProducerPause: func() {
			r.notify(consumerPeer, "consumerPaused", consumerIDNotification{ConsumerID: id})
		},
		ProducerResume: func() {
			r.notify(consumerPeer, "consumerResumed", consumerIDNotification{ConsumerID: id})
		},
		Score: func(score domain.ConsumerScore) {
			r.notify(consumerPeer, "consumerScore", consumerScoreNotification{ConsumerID: id, Score: score})
		},
		LayersChange: func(layers *domain.ConsumerLayers) {
			n := consumerLayersNotification{ConsumerID: id}
			if layers != nil {
				spatial := layers.SpatialLayer
				n.SpatialLayer, n.TemporalLayer = &spatial, layers.TemporalLayer
			}
			r.notify(consumerPeer, "consumerLayersChanged", n)
		},
	})

	reqCtx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()
	_, err = consumerPeer.channel.Request(reqCtx, "newConsumer", newConsumerRequest{
		PeerID:         producerPeer.id,
		ProducerID:     producer.ID(),
		ID:             id,
		Kind:           c.Kind(),
		RtpParameters:  c.RtpParameters(),
		Type:           c.Type(),
		AppData:        producer.AppData(),
		ProducerPaused: c.ProducerPaused(),
	})
	if err != nil {
		consumerPeer.removeConsumer(id)
		c.Close()
		return err
	}

	// Resuming only after the client acknowledged avoids losing the first keyframe.
	if err := c.Resume(ctx); err != nil {
		return err
	}
	r.notify(consumerPeer, "consumerScore", consumerScoreNotification{ConsumerID: id, Score: c.Score()})
	return nil
}
