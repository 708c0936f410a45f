package rtc

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/dkeye/callserver/internal/app/sfu"
	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Consumer implements core.MediaConsumer as a local track bound to an RTP
// sender, fed by the relay of its producer.
type Consumer struct {
	id            string
	transport     *Transport
	producer      *Producer
	rtpParameters domain.RtpParameters
	track         *webrtc.TrackLocalStaticRTP
	out           *sfu.OutTrack
	logger        zerolog.Logger

	paused atomic.Bool

	mu       sync.Mutex
	closed   bool
	sender   *webrtc.RTPSender
	handlers core.ConsumerHandlers
}

func newConsumer(t *Transport, prod *Producer, opts core.ConsumeOptions) (*Consumer, error) {
	codec, _ := mainCodec(prod.rtpParameters)
	if _, ok := matchCodec(codec, opts.RtpCapabilities); !ok {
		return nil, domain.Errorf(domain.CodeNotAllowed, "cannot consume producer %s", prod.id)
	}
	routerCodec, ok := matchCodec(codec, t.router.caps)
	if !ok {
		return nil, domain.Errorf(domain.CodeNotAllowed, "router has no codec for %s", codec.MimeType)
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(pionCapability(routerCodec), id, prod.PeerID())
	if err != nil {
		return nil, err
	}
	ssrc := rand.Uint32()
	params := domain.RtpParameters{
		Mid: id,
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     routerCodec.MimeType,
			PayloadType:  routerCodec.PreferredPayloadType,
			ClockRate:    routerCodec.ClockRate,
			Channels:     routerCodec.Channels,
			Parameters:   routerCodec.Parameters,
			RtcpFeedback: routerCodec.RtcpFeedback,
		}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: ssrc}},
		Rtcp:      domain.RtcpParameters{CNAME: prod.PeerID(), ReducedSize: true},
	}
	if prod.kind == domain.MediaKindAudio {
		params.HeaderExtensions = append(params.HeaderExtensions, domain.RtpHeaderExtensionParameters{URI: AudioLevelURI, ID: audioLevelID})
	}
	var w sfu.Writer = track
	if t.bwe != nil {
		params.HeaderExtensions = append(params.HeaderExtensions, domain.RtpHeaderExtensionParameters{URI: TransportCCURI, ID: transportCCID})
		w = t.bwe.stream(ssrc, track)
	}

	c := &Consumer{
		id:            id,
		transport:     t,
		producer:      prod,
		rtpParameters: params,
		track:         track,
		out:           sfu.NewOutTrack(w),
		logger:        t.logger.With().Str("consumer_id", id).Str("producer_id", prod.id).Logger(),
	}
	if opts.Paused {
		c.paused.Store(true)
		c.out.MarkMuted()
	}
	return c, nil
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) Kind() domain.MediaKind { return c.producer.kind }

func (c *Consumer) Type() string { return "simple" }

func (c *Consumer) RtpParameters() domain.RtpParameters { return c.rtpParameters }

func (c *Consumer) ProducerPaused() bool { return c.producer.Paused() }

func (c *Consumer) AppData() map[string]any { return c.producer.appData }

func (c *Consumer) Score() domain.ConsumerScore {
	s := c.producer.currentScore()
	return domain.ConsumerScore{Score: s, ProducerScore: s, ProducerScores: []int{s}}
}

// start binds the sender once the transport is connected.
func (c *Consumer) start() {
	sender, err := c.transport.api.NewRTPSender(c.track, c.transport.dtls)
	if err != nil {
		c.logger.Error().Err(err).Msg("create sender")
		c.Close()
		return
	}
	err = sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(c.rtpParameters.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(c.rtpParameters.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("start sender")
		_ = sender.Stop()
		c.Close()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sender.Stop()
		return
	}
	c.sender = sender
	c.mu.Unlock()

	// RTCP has to be drained for the sender to keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := sender.Read(buf)
			if err != nil {
				return
			}
			if c.transport.bwe == nil {
				continue
			}
			pkts, err := rtcp.Unmarshal(buf[:n])
			if err != nil {
				continue
			}
			c.transport.bwe.feedback(pkts)
		}
	}()
}

func (c *Consumer) Pause(context.Context) error {
	c.paused.Store(true)
	c.out.MarkMuted()
	return nil
}

func (c *Consumer) Resume(context.Context) error {
	c.paused.Store(false)
	c.out.MarkOk()
	return nil
}

// SetPreferredLayers accepts the request and does nothing: the relay
// forwards a single encoding, so there are no layers to pick from.
func (c *Consumer) SetPreferredLayers(context.Context, domain.ConsumerLayers) error {
	return nil
}

// SetPriority validates the priority and otherwise does nothing. Each
// consumer has its own relay goroutine and there is no shared send queue
// for a priority to order.
func (c *Consumer) SetPriority(_ context.Context, priority int) error {
	if priority < 1 || priority > 255 {
		return domain.Errorf(domain.CodeBadRequest, "priority out of range")
	}
	return nil
}

func (c *Consumer) Handle(h core.ConsumerHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *Consumer) currentHandlers() core.ConsumerHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *Consumer) producerPaused() {
	if fn := c.currentHandlers().ProducerPause; fn != nil {
		fn()
	}
}

func (c *Consumer) producerResumed() {
	if fn := c.currentHandlers().ProducerResume; fn != nil {
		fn()
	}
}

func (c *Consumer) producerScore(score int) {
	if fn := c.currentHandlers().Score; fn != nil {
		fn(domain.ConsumerScore{Score: score, ProducerScore: score, ProducerScores: []int{score}})
	}
}

func (c *Consumer) producerClosed() {
	h := c.currentHandlers()
	if c.close(false) && h.ProducerClose != nil {
		h.ProducerClose()
	}
}

func (c *Consumer) transportClosed() {
	h := c.currentHandlers()
	if c.close(true) && h.TransportClose != nil {
		h.TransportClose()
	}
}

func (c *Consumer) Close() { c.close(false) }

// close reports whether this call closed the consumer.
func (c *Consumer) close(fromTransport bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	sender := c.sender
	c.mu.Unlock()

	c.out.MarkDelete()
	c.producer.removeConsumer(c.id)
	if !fromTransport {
		c.transport.removeConsumer(c.id)
	}
	if sender != nil {
		if err := sender.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("sender stop")
		}
	}
	return true
}
