package core

import (
	"context"
	"net"

	"github.com/dkeye/callserver/internal/domain"
)

// MediaEngine spawns workers. Everything below it is owned by the engine;
// the orchestration layer only holds handles.
type MediaEngine interface {
	CreateWorker(ctx context.Context, settings WorkerSettings) (MediaWorker, error)
}

type WorkerSettings struct {
	Index       int
	ListenIP    net.IP
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
	// ServerPort enables a shared ICE listener for every transport of the worker.
	ServerPort int
}

type MediaWorker interface {
	Index() int
	CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (MediaRouter, error)
	// Died is closed with the cause stored in Err once the worker can no longer serve.
	Died() <-chan struct{}
	Err() error
	Close()
}

type MediaRouter interface {
	ID() string
	RtpCapabilities() domain.RtpCapabilities
	CanConsume(producerID string, caps domain.RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (MediaTransport, error)
	CreateAudioLevelObserver(ctx context.Context, opts AudioLevelObserverOptions) (AudioLevelObserver, error)
	CreateActiveSpeakerObserver(ctx context.Context, opts ActiveSpeakerObserverOptions) (ActiveSpeakerObserver, error)
	Close()
}

type TransportOptions struct {
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	InitialAvailableOutgoingBitrate int
	Producing                       bool
	Consuming                       bool
	SctpCapabilities                *domain.SctpCapabilities
}

type MediaTransport interface {
	ID() string
	Producing() bool
	Consuming() bool
	IceParameters() domain.IceParameters
	IceCandidates() []domain.IceCandidate
	DtlsParameters() domain.DtlsParameters
	Connect(ctx context.Context, dtls domain.DtlsParameters, ice *domain.IceParameters) error
	RestartIce(ctx context.Context) (domain.IceParameters, error)
	Produce(ctx context.Context, opts ProduceOptions) (MediaProducer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (MediaConsumer, error)
	// OnBwe receives outgoing bandwidth estimation traces.
	OnBwe(fn func(domain.BweTrace))
	// OnClose fires once, whatever closed the transport.
	OnClose(fn func())
	Close()
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	AppData       map[string]any
}

type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities domain.RtpCapabilities
	Paused          bool
}

type MediaProducer interface {
	ID() string
	Kind() domain.MediaKind
	// PeerID is the peer the producer was tagged with on creation.
	PeerID() string
	AppData() map[string]any
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	OnScore(fn func([]domain.ProducerScore))
	OnClose(fn func())
	Close()
}

// ConsumerHandlers receives consumer lifecycle events. Nil members are skipped.
type ConsumerHandlers struct {
	TransportClose func()
	ProducerClose  func()
	ProducerPause  func()
	ProducerResume func()
	Score          func(domain.ConsumerScore)
	LayersChange   func(*domain.ConsumerLayers)
}

type MediaConsumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	Type() string
	RtpParameters() domain.RtpParameters
	ProducerPaused() bool
	Score() domain.ConsumerScore
	AppData() map[string]any
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetPreferredLayers(ctx context.Context, layers domain.ConsumerLayers) error
	SetPriority(ctx context.Context, priority int) error
	Handle(h ConsumerHandlers)
	Close()
}

type AudioLevelObserverOptions struct {
	MaxEntries int
	Threshold  int
	IntervalMs int
}

// AudioVolume is one entry of an audio level report.
type AudioVolume struct {
	Producer MediaProducer
	Volume   int
}

type AudioLevelObserver interface {
	AddProducer(ctx context.Context, producerID string) error
	RemoveProducer(ctx context.Context, producerID string) error
	OnVolumes(fn func([]AudioVolume))
	OnSilence(fn func())
	Close()
}

type ActiveSpeakerObserverOptions struct {
	IntervalMs int
}

type ActiveSpeakerObserver interface {
	AddProducer(ctx context.Context, producerID string) error
	RemoveProducer(ctx context.Context, producerID string) error
	OnDominantSpeaker(fn func(MediaProducer))
	Close()
}
