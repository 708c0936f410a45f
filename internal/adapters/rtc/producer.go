package rtc

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/callserver/internal/app/sfu"
	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const scoreInterval = time.Second

// Producer implements core.MediaProducer. The receiver starts once the
// transport is connected; until then consumers and taps are queued.
type Producer struct {
	id            string
	kind          domain.MediaKind
	transport     *Transport
	rtpParameters domain.RtpParameters
	appData       map[string]any
	ssrc          uint32
	logger        zerolog.Logger

	paused atomic.Bool
	score  atomic.Int32

	mu        sync.Mutex
	closed    bool
	receiver  *webrtc.RTPReceiver
	relay     *sfu.Relay
	consumers map[string]*Consumer
	taps      []func(*rtp.Packet)
	onScore   func([]domain.ProducerScore)
	onClose   []func()
}

func newProducer(t *Transport, opts core.ProduceOptions) (*Producer, error) {
	if opts.Kind != domain.MediaKindAudio && opts.Kind != domain.MediaKindVideo {
		return nil, domain.Errorf(domain.CodeBadRequest, "unknown kind %q", opts.Kind)
	}
	codec, ok := mainCodec(opts.RtpParameters)
	if !ok {
		return nil, domain.Errorf(domain.CodeBadRequest, "rtpParameters without codecs")
	}
	if _, ok := matchCodec(codec, t.router.caps); !ok {
		return nil, domain.Errorf(domain.CodeBadRequest, "codec %s is not supported", codec.MimeType)
	}
	if len(opts.RtpParameters.Encodings) == 0 || opts.RtpParameters.Encodings[0].SSRC == 0 {
		return nil, domain.Errorf(domain.CodeBadRequest, "an encoding with an ssrc is required")
	}
	id := uuid.NewString()
	return &Producer{
		id:            id,
		kind:          opts.Kind,
		transport:     t,
		rtpParameters: opts.RtpParameters,
		appData:       maps.Clone(opts.AppData),
		ssrc:          opts.RtpParameters.Encodings[0].SSRC,
		logger:        t.logger.With().Str("producer_id", id).Str("kind", string(opts.Kind)).Logger(),
		consumers:     make(map[string]*Consumer),
	}, nil
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) PeerID() string {
	id, _ := p.appData["peerId"].(string)
	return id
}

func (p *Producer) AppData() map[string]any { return p.appData }

func (p *Producer) Paused() bool { return p.paused.Load() }

// start runs once the transport is connected.
func (p *Producer) start() {
	codec, _ := mainCodec(p.rtpParameters)
	receiver, err := p.transport.api.NewRTPReceiver(pionCodecType(p.kind), p.transport.dtls)
	if err != nil {
		p.logger.Error().Err(err).Msg("create receiver")
		p.Close()
		return
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("start receiver")
		_ = receiver.Stop()
		p.Close()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = receiver.Stop()
		return
	}
	p.receiver = receiver
	relay := p.transport.router.relays.StartRelay(p.transport.router.ctx, p.id, trackSource{receiver.Track()})
	relay.SetPaused(p.paused.Load())
	for _, tap := range p.taps {
		relay.Tap(tap)
	}
	for id, c := range p.consumers {
		relay.AddOutTrack(id, c.out)
	}
	p.relay = relay
	p.mu.Unlock()

	go p.watch(relay)
	p.logger.Debug().Uint32("ssrc", p.ssrc).Msg("producer receiving")
}

// watch reports producer scores and takes the worker down if the relay crashed.
func (p *Producer) watch(relay *sfu.Relay) {
	ticker := time.NewTicker(scoreInterval)
	defer ticker.Stop()
	var prev sfu.Stats
	for {
		select {
		case <-relay.Done():
			if err := relay.Err(); err != nil {
				p.transport.router.worker.fail(err)
			}
			return
		case <-ticker.C:
			cur := relay.Stats()
			window := sfu.Stats{Packets: cur.Packets - prev.Packets, Lost: cur.Lost - prev.Lost}
			prev = cur
			if window.Packets == 0 {
				continue
			}
			p.setScore(window.Score())
		}
	}
}

func (p *Producer) setScore(score int) {
	if int(p.score.Swap(int32(score))) == score {
		return
	}
	p.mu.Lock()
	onScore := p.onScore
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	if onScore != nil {
		onScore([]domain.ProducerScore{{EncodingIdx: 0, SSRC: p.ssrc, Score: score}})
	}
	for _, c := range consumers {
		c.producerScore(score)
	}
}

func (p *Producer) currentScore() int { return int(p.score.Load()) }

// tap registers fn on every received packet.
func (p *Producer) tap(fn func(*rtp.Packet)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.taps = append(p.taps, fn)
	if p.relay != nil {
		p.relay.Tap(fn)
	}
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	if p.relay != nil {
		p.relay.AddOutTrack(c.id, c.out)
	}
	return true
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Producer) Pause(context.Context) error {
	if p.paused.Swap(true) {
		return nil
	}
	p.setRelayPaused(true)
	for _, c := range p.consumerList() {
		c.producerPaused()
	}
	return nil
}

func (p *Producer) Resume(context.Context) error {
	if !p.paused.Swap(false) {
		return nil
	}
	p.setRelayPaused(false)
	for _, c := range p.consumerList() {
		c.producerResumed()
	}
	return nil
}

func (p *Producer) setRelayPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.relay != nil {
		p.relay.SetPaused(paused)
	}
}

func (p *Producer) consumerList() []*Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	return out
}

func (p *Producer) OnScore(fn func([]domain.ProducerScore)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onScore = fn
}

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

// Close stops the receiver and closes every consumer of the producer.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	receiver := p.receiver
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	clear(p.consumers)
	onClose := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	p.transport.router.removeProducer(p.id)
	p.transport.removeProducer(p.id)
	if receiver != nil {
		if err := receiver.Stop(); err != nil {
			p.logger.Debug().Err(err).Msg("receiver stop")
		}
	}
	for _, c := range consumers {
		c.producerClosed()
	}
	for _, fn := range onClose {
		fn()
	}
	p.logger.Debug().Msg("producer closed")
}

// trackSource adapts a remote track to sfu.Source.
type trackSource struct {
	track *webrtc.TrackRemote
}

func (s trackSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}
