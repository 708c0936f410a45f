// Package rtc is an in-process media engine built on the ORTC API of pion.
// Every worker owns its ICE settings; every router owns a pion API with the
// router codecs registered, and relays RTP from producers to consumers.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errClosed = errors.New("rtc: closed")

type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// CreateWorker prepares the ICE settings shared by every router of the worker.
// With a server port the worker listens once for UDP and TCP and multiplexes
// all transports on it; otherwise each transport binds an ephemeral UDP port.
func (e *Engine) CreateWorker(_ context.Context, s core.WorkerSettings) (core.MediaWorker, error) {
	w := &Worker{
		index:   s.Index,
		routers: make(map[string]*Router),
		died:    make(chan struct{}),
		logger:  log.With().Str("module", "rtc.worker").Int("worker", s.Index).Logger(),
	}

	if s.AnnouncedIP != "" {
		w.settings.SetNAT1To1IPs([]string{s.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if listen := s.ListenIP; listen != nil && !listen.IsUnspecified() {
		w.settings.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
	}

	switch {
	case s.ServerPort > 0:
		udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: s.ListenIP, Port: s.ServerPort})
		if err != nil {
			return nil, fmt.Errorf("listen udp %d: %w", s.ServerPort, err)
		}
		tcp, err := net.ListenTCP("tcp", &net.TCPAddr{IP: s.ListenIP, Port: s.ServerPort})
		if err != nil {
			_ = udp.Close()
			return nil, fmt.Errorf("listen tcp %d: %w", s.ServerPort, err)
		}
		w.udp, w.tcp = udp, tcp
		w.settings.SetICEUDPMux(webrtc.NewICEUDPMux(nil, udp))
		w.settings.SetICETCPMux(webrtc.NewICETCPMux(nil, tcp, 8))
		w.tcpEnabled = true
	case s.MinPort > 0 && s.MaxPort >= s.MinPort:
		if err := w.settings.SetEphemeralUDPPortRange(s.MinPort, s.MaxPort); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	w.logger.Info().Int("server_port", s.ServerPort).Uint16("min_port", s.MinPort).
		Uint16("max_port", s.MaxPort).Msg("worker started")
	return w, nil
}

// Worker implements core.MediaWorker.
type Worker struct {
	index      int
	settings   webrtc.SettingEngine
	tcpEnabled bool
	udp        *net.UDPConn
	tcp        *net.TCPListener
	logger     zerolog.Logger

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool

	dieOnce sync.Once
	died    chan struct{}
	err     error
}

func (w *Worker) Index() int { return w.index }

func (w *Worker) Died() <-chan struct{} { return w.died }

func (w *Worker) Err() error {
	select {
	case <-w.died:
		return w.err
	default:
		return nil
	}
}

// fail marks the worker dead. Later calls are ignored.
func (w *Worker) fail(err error) {
	w.dieOnce.Do(func() {
		w.err = err
		close(w.died)
	})
}

// api builds a pion API for one transport. Network types follow the
// transport options.
func (w *Worker) api(m *webrtc.MediaEngine, enableUDP, enableTCP bool) (*webrtc.API, error) {
	var types []webrtc.NetworkType
	if enableUDP {
		types = append(types, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
	}
	if enableTCP && w.tcpEnabled {
		types = append(types, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
	}
	if len(types) == 0 {
		return nil, domain.Errorf(domain.CodeBadRequest, "no usable ICE network type")
	}
	se := w.settings
	se.SetNetworkTypes(types)
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), nil
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (core.MediaRouter, error) {
	caps, err := BuildCapabilities(codecs)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errClosed
	}
	r := newRouter(uuid.NewString(), w, caps)
	w.routers[r.id] = r
	return r, nil
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

// Close closes every router and the shared listeners. Died is closed with a nil Err.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	if w.udp != nil {
		_ = w.udp.Close()
	}
	if w.tcp != nil {
		_ = w.tcp.Close()
	}
	w.fail(nil)
	w.logger.Info().Msg("worker closed")
}
