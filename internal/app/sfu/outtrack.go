package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// Writer is the sending half of a consumer, usually a *webrtc.TrackLocalStaticRTP.
type Writer interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack is one consumer of a relay.
type OutTrack struct {
	w     Writer
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(w Writer) *OutTrack {
	return &OutTrack{w: w}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is final; a deleted track never comes back.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
