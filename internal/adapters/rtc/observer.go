package rtc

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/pion/rtp"
)

// silentLevel is the floor of the ssrc-audio-level extension, in dBov.
const silentLevel = -127

// levelMeter averages audio levels per producer over one observer interval.
type levelMeter struct {
	router *Router

	mu      sync.Mutex
	members map[string]*Producer
	sums    map[string]int
	counts  map[string]int
}

func newLevelMeter(r *Router) *levelMeter {
	return &levelMeter{
		router:  r,
		members: make(map[string]*Producer),
		sums:    make(map[string]int),
		counts:  make(map[string]int),
	}
}

func (m *levelMeter) add(producerID string) error {
	p, ok := m.router.producer(producerID)
	if !ok {
		return domain.Errorf(domain.CodeNotFound, "producer %s not found", producerID)
	}
	if p.kind != domain.MediaKindAudio {
		return domain.Errorf(domain.CodeBadRequest, "producer %s is not audio", producerID)
	}
	m.mu.Lock()
	_, known := m.members[producerID]
	m.members[producerID] = p
	m.mu.Unlock()
	if known {
		return nil
	}

	extID := p.rtpParameters.HeaderExtensionID(AudioLevelURI)
	if extID <= 0 {
		return nil
	}
	p.tap(func(pkt *rtp.Packet) {
		raw := pkt.GetExtension(uint8(extID))
		if raw == nil {
			return
		}
		var ext rtp.AudioLevelExtension
		if err := ext.Unmarshal(raw); err != nil {
			return
		}
		m.record(producerID, -int(ext.Level))
	})
	return nil
}

func (m *levelMeter) remove(producerID string) {
	m.mu.Lock()
	delete(m.members, producerID)
	delete(m.sums, producerID)
	delete(m.counts, producerID)
	m.mu.Unlock()
}

func (m *levelMeter) record(producerID string, dBov int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[producerID]; !ok {
		return
	}
	m.sums[producerID] += dBov
	m.counts[producerID]++
}

// drain returns the average level of every producer heard since the last
// drain, loudest first.
func (m *levelMeter) drain() []core.AudioVolume {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.AudioVolume, 0, len(m.counts))
	for id, n := range m.counts {
		p, ok := m.members[id]
		if !ok || n == 0 || p.Paused() {
			continue
		}
		out = append(out, core.AudioVolume{Producer: p, Volume: m.sums[id] / n})
	}
	clear(m.sums)
	clear(m.counts)
	slices.SortFunc(out, func(a, b core.AudioVolume) int { return cmp.Compare(b.Volume, a.Volume) })
	return out
}

type AudioLevelObserver struct {
	meter    *levelMeter
	opts     core.AudioLevelObserverOptions
	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	onVolumes func([]core.AudioVolume)
	onSilence func()
}

func newAudioLevelObserver(r *Router, opts core.AudioLevelObserverOptions) *AudioLevelObserver {
	if opts.IntervalMs <= 0 {
		opts.IntervalMs = 1000
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1
	}
	if opts.Threshold == 0 {
		opts.Threshold = -80
	}
	return &AudioLevelObserver{meter: newLevelMeter(r), opts: opts, stop: make(chan struct{})}
}

func (o *AudioLevelObserver) AddProducer(_ context.Context, producerID string) error {
	return o.meter.add(producerID)
}

func (o *AudioLevelObserver) RemoveProducer(_ context.Context, producerID string) error {
	o.meter.remove(producerID)
	return nil
}

func (o *AudioLevelObserver) OnVolumes(fn func([]core.AudioVolume)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onVolumes = fn
}

func (o *AudioLevelObserver) OnSilence(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSilence = fn
}

// run reports volumes above the threshold every interval and silence once
// when they stop.
func (o *AudioLevelObserver) run() {
	ticker := time.NewTicker(time.Duration(o.opts.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	silent := true
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
		}
		volumes := slices.DeleteFunc(o.meter.drain(), func(v core.AudioVolume) bool {
			return v.Volume < o.opts.Threshold
		})
		if len(volumes) > o.opts.MaxEntries {
			volumes = volumes[:o.opts.MaxEntries]
		}

		o.mu.Lock()
		onVolumes, onSilence := o.onVolumes, o.onSilence
		o.mu.Unlock()
		switch {
		case len(volumes) > 0:
			silent = false
			if onVolumes != nil {
				onVolumes(volumes)
			}
		case !silent:
			silent = true
			if onSilence != nil {
				onSilence()
			}
		}
	}
}

func (o *AudioLevelObserver) Close() {
	o.stopOnce.Do(func() {
		close(o.stop)
		o.meter.router.removeObserver(o)
	})
}

// ActiveSpeakerObserver picks the loudest producer of every interval and
// reports it when it changes.
type ActiveSpeakerObserver struct {
	meter    *levelMeter
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	onSpeak  func(core.MediaProducer)
	dominant string
}

func newActiveSpeakerObserver(r *Router, opts core.ActiveSpeakerObserverOptions) *ActiveSpeakerObserver {
	interval := time.Duration(opts.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	return &ActiveSpeakerObserver{meter: newLevelMeter(r), interval: interval, stop: make(chan struct{})}
}

func (o *ActiveSpeakerObserver) AddProducer(_ context.Context, producerID string) error {
	return o.meter.add(producerID)
}

func (o *ActiveSpeakerObserver) RemoveProducer(_ context.Context, producerID string) error {
	o.meter.remove(producerID)
	return nil
}

func (o *ActiveSpeakerObserver) OnDominantSpeaker(fn func(core.MediaProducer)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSpeak = fn
}

func (o *ActiveSpeakerObserver) run() {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
		}
		volumes := o.meter.drain()
		if len(volumes) == 0 || volumes[0].Volume <= silentLevel {
			continue
		}
		loudest := volumes[0].Producer

		o.mu.Lock()
		changed := loudest.ID() != o.dominant
		o.dominant = loudest.ID()
		fn := o.onSpeak
		o.mu.Unlock()
		if changed && fn != nil {
			fn(loudest)
		}
	}
}

func (o *ActiveSpeakerObserver) Close() {
	o.stopOnce.Do(func() {
		close(o.stop)
		o.meter.router.removeObserver(o)
	})
}
