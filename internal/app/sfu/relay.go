package sfu

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Source is the receiving half of a producer.
type Source interface {
	ReadRTP() (*rtp.Packet, error)
}

// Stats are the receive counters of a relay.
type Stats struct {
	Packets uint64
	Lost    uint64
}

// Score maps the loss ratio onto 0..10. A relay that has seen nothing yet scores 0.
func (s Stats) Score() int {
	if s.Packets == 0 {
		return 0
	}
	expected := s.Packets + s.Lost
	return int(10 - (10*s.Lost+expected-1)/expected)
}

// Relay copies the packets of one producer to its consumers.
type Relay struct {
	src Source

	mu        sync.RWMutex
	outTracks map[string]*OutTrack
	taps      []func(*rtp.Packet)

	paused  atomic.Bool
	packets atomic.Uint64
	lost    atomic.Uint64
	lastSeq uint16
	seen    bool

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewRelay(src Source, cancel context.CancelFunc) *Relay {
	return &Relay{
		src:       src,
		outTracks: make(map[string]*OutTrack),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from the source and forwards them to all OutTracks.
// A panic while forwarding ends the loop and is reported through Err.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	defer func() {
		if v := recover(); v != nil {
			r.err = fmt.Errorf("relay panic: %v", v)
			logger.Error().Err(r.err).Msg("relay crashed")
			r.markAllDelete()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := r.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.count(pkt)
		r.forward(pkt, logger)
	}
}

// count only runs on the loop goroutine.
func (r *Relay) count(pkt *rtp.Packet) {
	r.packets.Add(1)
	if r.seen {
		if gap := pkt.SequenceNumber - r.lastSeq; gap > 1 && gap < 1<<15 {
			r.lost.Add(uint64(gap - 1))
		}
	}
	if !r.seen || pkt.SequenceNumber-r.lastSeq < 1<<15 {
		r.lastSeq = pkt.SequenceNumber
	}
	r.seen = true
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	taps := r.taps
	r.mu.RUnlock()

	for _, tap := range taps {
		tap(pkt)
	}
	if r.paused.Load() {
		return
	}

	dirty := make([]string, 0)
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.w.WriteRTP(pkt); err != nil {
				logger.Warn().
					Err(err).
					Str("consumer_id", dst).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(id string, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[id] = ot
}

func (r *Relay) OutTrack(id string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[id]
	return ot, ok
}

// Tap registers fn for every received packet, paused or not. fn runs on the
// relay goroutine and must not block.
func (r *Relay) Tap(fn func(*rtp.Packet)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps = append(r.taps, fn)
}

// SetPaused stops forwarding without touching consumer state.
func (r *Relay) SetPaused(paused bool) { r.paused.Store(paused) }

func (r *Relay) Paused() bool { return r.paused.Load() }

func (r *Relay) Stats() Stats {
	return Stats{Packets: r.packets.Load(), Lost: r.lost.Load()}
}

// Done is closed when the loop has ended.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Err is the reason the loop crashed, if it did. Valid after Done.
func (r *Relay) Err() error { return r.err }
