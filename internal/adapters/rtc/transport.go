package rtc

import (
	"context"
	"strings"
	"sync"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Transport implements core.MediaTransport over one ICE and DTLS transport pair.
type Transport struct {
	id     string
	router *Router
	api    *webrtc.API
	opts   core.TransportOptions
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	bwe      *downlinkBwe // consuming transports only

	iceParams  domain.IceParameters
	candidates []domain.IceCandidate
	dtlsParams domain.DtlsParameters

	// connected is closed once DTLS is up; stopped once the transport closes.
	connected chan struct{}
	stopped   chan struct{}

	mu         sync.Mutex
	connecting bool
	closed     bool
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	onClose    []func()
}

func newTransport(id string, r *Router, api *webrtc.API, g *webrtc.ICEGatherer, ice *webrtc.ICETransport, dtls *webrtc.DTLSTransport, opts core.TransportOptions) (*Transport, error) {
	iceParams, err := g.GetLocalParameters()
	if err != nil {
		return nil, err
	}
	cands, err := g.GetLocalCandidates()
	if err != nil {
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, err
	}

	t := &Transport{
		id:        id,
		router:    r,
		api:       api,
		opts:      opts,
		logger:    r.logger.With().Str("transport_id", id).Logger(),
		gatherer:  g,
		ice:       ice,
		dtls:      dtls,
		connected: make(chan struct{}),
		stopped:   make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		iceParams: domain.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          true,
		},
		dtlsParams: domain.DtlsParameters{Role: "auto"},
	}
	if opts.Consuming {
		if t.bwe, err = newDownlinkBwe(opts.InitialAvailableOutgoingBitrate, t.logger); err != nil {
			return nil, err
		}
	}
	for _, c := range cands {
		t.candidates = append(t.candidates, convertCandidate(c))
	}
	for _, fp := range dtlsParams.Fingerprints {
		t.dtlsParams.Fingerprints = append(t.dtlsParams.Fingerprints, domain.DtlsFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICETransportStateFailed || s == webrtc.ICETransportStateClosed {
			go t.Close()
		}
	})
	return t, nil
}

func convertCandidate(c webrtc.ICECandidate) domain.IceCandidate {
	return domain.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Address:    c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Producing() bool { return t.opts.Producing }

func (t *Transport) Consuming() bool { return t.opts.Consuming }

func (t *Transport) IceParameters() domain.IceParameters { return t.iceParams }

func (t *Transport) IceCandidates() []domain.IceCandidate { return t.candidates }

func (t *Transport) DtlsParameters() domain.DtlsParameters { return t.dtlsParams }

func dtlsRole(role string) webrtc.DTLSRole {
	switch strings.ToLower(role) {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

// Connect starts ICE as the controlled side and then DTLS. Both block until
// the remote answers, so they run in the background; producers and consumers
// wait on the connected channel.
func (t *Transport) Connect(_ context.Context, dtls domain.DtlsParameters, ice *domain.IceParameters) error {
	if ice == nil {
		return domain.Errorf(domain.CodeBadRequest, "iceParameters are required")
	}
	if len(dtls.Fingerprints) == 0 {
		return domain.Errorf(domain.CodeBadRequest, "dtlsParameters without fingerprints")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.Errorf(domain.CodeNotFound, "transport %s is closed", t.id)
	}
	if t.connecting {
		t.mu.Unlock()
		return domain.Errorf(domain.CodeNotAllowed, "transport %s already connected", t.id)
	}
	t.connecting = true
	t.mu.Unlock()

	remoteICE := webrtc.ICEParameters{UsernameFragment: ice.UsernameFragment, Password: ice.Password, ICELite: ice.IceLite}
	remoteDTLS := webrtc.DTLSParameters{Role: dtlsRole(dtls.Role)}
	for _, fp := range dtls.Fingerprints {
		remoteDTLS.Fingerprints = append(remoteDTLS.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	go func() {
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, remoteICE, &role); err != nil {
			t.logger.Warn().Err(err).Msg("ICE start failed")
			t.Close()
			return
		}
		if err := t.dtls.Start(remoteDTLS); err != nil {
			t.logger.Warn().Err(err).Msg("DTLS start failed")
			t.Close()
			return
		}
		close(t.connected)
		t.logger.Debug().Msg("transport connected")
	}()
	return nil
}

// RestartIce keeps the ICE credentials; the ORTC transport cannot rotate them
// in place.
func (t *Transport) RestartIce(context.Context) (domain.IceParameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.IceParameters{}, domain.Errorf(domain.CodeNotFound, "transport %s is closed", t.id)
	}
	return t.iceParams, nil
}

// OnBwe receives a trace whenever the downlink target bitrate moves. Only
// consuming transports estimate bandwidth.
func (t *Transport) OnBwe(fn func(domain.BweTrace)) {
	if t.bwe != nil {
		t.bwe.OnTrace(fn)
	}
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// whenConnected runs fn in the background once DTLS is up. It gives up when
// the transport closes first.
func (t *Transport) whenConnected(fn func()) {
	go func() {
		select {
		case <-t.connected:
			fn()
		case <-t.stopped:
		}
	}()
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.MediaProducer, error) {
	p, err := newProducer(t, opts)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.Errorf(domain.CodeNotFound, "transport %s is closed", t.id)
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.addProducer(p)
	t.whenConnected(p.start)
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.MediaConsumer, error) {
	prod, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "producer %s not found", opts.ProducerID)
	}
	c, err := newConsumer(t, prod, opts)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.close(false)
		return nil, domain.Errorf(domain.CodeNotFound, "transport %s is closed", t.id)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !prod.addConsumer(c) {
		c.Close()
		return nil, domain.Errorf(domain.CodeNotFound, "producer %s is closed", opts.ProducerID)
	}
	t.whenConnected(c.start)
	return c, nil
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.stopped)
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	clear(t.producers)
	clear(t.consumers)
	onClose := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, c := range consumers {
		c.transportClosed()
	}
	for _, p := range producers {
		p.Close()
	}
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("gatherer close")
	}
	if t.bwe != nil {
		t.bwe.Close()
	}
	t.router.removeTransport(t.id)
	for _, fn := range onClose {
		fn()
	}
	t.logger.Debug().Msg("transport closed")
}
