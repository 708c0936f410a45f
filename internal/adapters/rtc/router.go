package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/callserver/internal/app/sfu"
	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// gatherTimeout bounds ICE candidate gathering of a new transport.
const gatherTimeout = 5 * time.Second

// Router implements core.MediaRouter.
type Router struct {
	id     string
	worker *Worker
	caps   domain.RtpCapabilities
	relays *sfu.RelayManager
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer
	observers  map[closer]struct{}
	closed     bool
}

type closer interface{ Close() }

func newRouter(id string, w *Worker, caps domain.RtpCapabilities) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		id:         id,
		worker:     w,
		caps:       caps,
		relays:     sfu.NewRelayManager(),
		logger:     w.logger.With().Str("router_id", id).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		observers:  make(map[closer]struct{}),
	}
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *Router) CanConsume(producerID string, caps domain.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	return canConsume(p.rtpParameters, caps)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts core.TransportOptions) (core.MediaTransport, error) {
	m, err := newMediaEngine(r.caps)
	if err != nil {
		return nil, err
	}
	api, err := r.worker.api(m, opts.EnableUDP, opts.EnableTCP)
	if err != nil {
		return nil, err
	}

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, err
	}
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	wait, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()
	select {
	case <-gathered:
	case <-wait.Done():
		r.logger.Warn().Msg("ICE gathering did not complete, using partial candidates")
	}

	t, err := newTransport(uuid.NewString(), r, api, gatherer, ice, dtls, opts)
	if err != nil {
		_ = dtls.Stop()
		_ = gatherer.Close()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, errClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
	r.relays.StopRelay(id)
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) addObserver(o closer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	r.observers[o] = struct{}{}
	return nil
}

func (r *Router) removeObserver(o closer) {
	r.mu.Lock()
	delete(r.observers, o)
	r.mu.Unlock()
}

func (r *Router) CreateAudioLevelObserver(_ context.Context, opts core.AudioLevelObserverOptions) (core.AudioLevelObserver, error) {
	o := newAudioLevelObserver(r, opts)
	if err := r.addObserver(o); err != nil {
		return nil, err
	}
	go o.run()
	return o, nil
}

func (r *Router) CreateActiveSpeakerObserver(_ context.Context, opts core.ActiveSpeakerObserverOptions) (core.ActiveSpeakerObserver, error) {
	o := newActiveSpeakerObserver(r, opts)
	if err := r.addObserver(o); err != nil {
		return nil, err
	}
	go o.run()
	return o, nil
}

// Close closes transports first, which takes producers and consumers along.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	observers := make([]closer, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, o := range observers {
		o.Close()
	}
	r.relays.StopAll()
	r.cancel()
	r.worker.removeRouter(r.id)
	r.logger.Debug().Msg("router closed")
}
