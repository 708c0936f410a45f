package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource chan *rtp.Packet

func (s chanSource) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-s
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

type recordingWriter struct {
	mu   sync.Mutex
	seqs []uint16
	err  error
}

func (w *recordingWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.seqs = append(w.seqs, p.SequenceNumber)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seqs)
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func startRelay(t *testing.T, m *RelayManager, id string) (chanSource, *Relay) {
	t.Helper()
	src := make(chanSource, 16)
	relay := m.StartRelay(context.Background(), id, src)
	t.Cleanup(func() { m.StopRelay(id) })
	return src, relay
}

func TestRelayForwardsToEveryOutTrack(t *testing.T) {
	m := NewRelayManager()
	src, relay := startRelay(t, m, "prod")

	a, b := &recordingWriter{}, &recordingWriter{}
	_, ok := m.AddSubscriber("prod", "a", a)
	require.True(t, ok)
	_, ok = m.AddSubscriber("prod", "b", b)
	require.True(t, ok)

	for seq := range uint16(3) {
		src <- packet(seq + 1)
	}
	require.Eventually(t, func() bool { return a.count() == 3 && b.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{1, 2, 3}, a.seqs)
	assert.Equal(t, Stats{Packets: 3}, relay.Stats())
	assert.True(t, m.HasRelay("prod"))
}

func TestRelaySkipsMutedOutTracks(t *testing.T) {
	m := NewRelayManager()
	src, relay := startRelay(t, m, "prod")
	w := &recordingWriter{}
	ot, _ := m.AddSubscriber("prod", "c", w)

	ot.MarkMuted()
	src <- packet(1)
	require.Eventually(t, func() bool { return relay.Stats().Packets == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, w.count())

	ot.MarkOk()
	src <- packet(2)
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, TrackStateOk, ot.GetState())
}

func TestRelayDropsFailingOutTrack(t *testing.T) {
	m := NewRelayManager()
	src, relay := startRelay(t, m, "prod")
	bad := &recordingWriter{err: errors.New("closed pipe")}
	good := &recordingWriter{}
	badOT, _ := m.AddSubscriber("prod", "bad", bad)
	m.AddSubscriber("prod", "good", good)

	src <- packet(1)
	src <- packet(2)
	require.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, TrackStateDelete, badOT.GetState())
	_, ok := relay.OutTrack("bad")
	assert.False(t, ok)
}

func TestPausedRelayStillFeedsTaps(t *testing.T) {
	m := NewRelayManager()
	src, relay := startRelay(t, m, "prod")
	w := &recordingWriter{}
	m.AddSubscriber("prod", "c", w)

	var mu sync.Mutex
	tapped := 0
	relay.Tap(func(*rtp.Packet) {
		mu.Lock()
		tapped++
		mu.Unlock()
	})

	relay.SetPaused(true)
	assert.True(t, relay.Paused())
	src <- packet(1)
	src <- packet(2)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return tapped == 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, w.count())

	relay.SetPaused(false)
	src <- packet(3)
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRelayCountsLoss(t *testing.T) {
	m := NewRelayManager()
	src, relay := startRelay(t, m, "prod")
	for _, seq := range []uint16{65534, 65535, 2, 1, 5} {
		src <- packet(seq)
	}
	require.Eventually(t, func() bool { return relay.Stats().Packets == 5 }, time.Second, 5*time.Millisecond)
	// 65535 -> 2 skips 0 and 1, 1 is late, 2 -> 5 skips 3 and 4.
	assert.Equal(t, uint64(4), relay.Stats().Lost)
}

func TestRelayEndsWithSource(t *testing.T) {
	m := NewRelayManager()
	src, relay := startRelay(t, m, "prod")
	ot, _ := m.AddSubscriber("prod", "c", &recordingWriter{})

	close(src)
	select {
	case <-relay.Done():
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.NoError(t, relay.Err())
	assert.Equal(t, TrackStateDelete, ot.GetState())
}

func TestRelayManagerLifecycle(t *testing.T) {
	m := NewRelayManager()
	_, ok := m.AddSubscriber("missing", "c", &recordingWriter{})
	assert.False(t, ok)

	startRelay(t, m, "prod")
	first, _ := m.AddSubscriber("prod", "c", &recordingWriter{})
	startRelay(t, m, "prod")
	assert.Equal(t, TrackStateDelete, first.GetState(), "a replaced relay drops its consumers")

	second, _ := m.AddSubscriber("prod", "c", &recordingWriter{})
	m.MarkSubscriberDelete("prod", "c")
	assert.Equal(t, TrackStateDelete, second.GetState())

	third, _ := m.AddSubscriber("prod", "d", &recordingWriter{})
	m.StopAll()
	assert.False(t, m.HasRelay("prod"))
	assert.Equal(t, TrackStateDelete, third.GetState())
	m.StopRelay("prod")
}

func TestStatsScore(t *testing.T) {
	cases := []struct {
		stats Stats
		want  int
	}{
		{Stats{}, 0},
		{Stats{Packets: 100}, 10},
		{Stats{Packets: 1, Lost: 1}, 5},
		{Stats{Packets: 95, Lost: 5}, 9},
		{Stats{Packets: 1, Lost: 99}, 0},
		{Stats{Packets: 3, Lost: 2}, 6},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.stats.Score(), "%+v", tc.stats)
	}
}

func TestOutTrackStates(t *testing.T) {
	ot := NewOutTrack(&recordingWriter{})
	assert.Equal(t, TrackStateOk, ot.GetState())
	ot.MarkMuted()
	assert.Equal(t, TrackStateMuted, ot.GetState())
	ot.MarkOk()
	assert.Equal(t, TrackStateOk, ot.GetState())

	ot.MarkDelete()
	ot.MarkOk()
	ot.MarkMuted()
	assert.Equal(t, TrackStateDelete, ot.GetState())
}
