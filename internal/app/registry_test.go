package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRegistry struct {
	*RoomRegistry
	engine *fakeEngine
	repo   *fakeRepo
}

func newTestRegistry(t *testing.T, workers int) *testRegistry {
	t.Helper()
	engine := &fakeEngine{}
	pool, err := NewWorkerPool(context.Background(), engine, WorkerPoolOptions{Size: workers}, func(error) {})
	require.NoError(t, err)
	repo := newFakeRepo()
	reg := NewRoomRegistry(pool, repo, fakeAuth{}, nil, RegistryOptions{
		Limits:              Limits{CallSlots: 3, BroadcastSlots: 10, StageSlots: 2},
		MaxConsumerReplicas: 2,
		ReactionWindow:      50 * time.Millisecond,
		RequestTimeout:      time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	t.Cleanup(func() {
		cancel()
		reg.CloseAll()
		pool.Close()
	})
	return &testRegistry{RoomRegistry: reg, engine: engine, repo: repo}
}

// accept returns an AcceptFunc that counts its calls.
func acceptInto(calls *atomic.Int32) AcceptFunc {
	return func() (core.PeerChannel, error) {
		calls.Add(1)
		return newFakeChannel(), nil
	}
}

func (tg *testRegistry) connect(t *testing.T, roomID, peerID string) (*Room, *Peer) {
	t.Helper()
	var calls atomic.Int32
	room, peer, err := tg.Connect(context.Background(), ConnectRequest{
		RoomID:   roomID,
		PeerID:   peerID,
		CallType: domain.CallTypeDefault,
	}, acceptInto(&calls))
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
	return room, peer
}

func joinPeer(t *testing.T, room *Room, p *Peer) {
	t.Helper()
	p.setAuthenticated()
	res := &fakeResponder{}
	room.handleRequest(context.Background(), p, core.Request{Method: "join", Data: []byte(`{}`)}, res)
	require.NoError(t, res.err)
}

func (tg *testRegistry) routers() int {
	n := 0
	for _, w := range tg.engine.workers {
		n += int(w.routers.Load())
	}
	return n
}

func TestConcurrentFirstConnectsShareOneRoom(t *testing.T) {
	tg := newTestRegistry(t, 1)
	tg.engine.workers[0].delay = 20 * time.Millisecond
	tg.repo.setState(&domain.CallState{ID: "call-1", CreatorID: "p0", CallConfig: domain.CallConfig{Slots: 50}})

	var wg sync.WaitGroup
	rooms := make([]*Room, 10)
	for i := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, _, err := tg.Connect(context.Background(), ConnectRequest{
				RoomID: "call-1",
				PeerID: fmt.Sprintf("p%d", i),
			}, func() (core.PeerChannel, error) { return newFakeChannel(), nil })
			assert.NoError(t, err)
			rooms[i] = room
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, tg.routers())
	assert.Equal(t, 1, tg.Len())
	for _, r := range rooms {
		assert.Same(t, rooms[0], r)
	}
	assert.Equal(t, 10, rooms[0].ConnectedCount())
}

func TestRoomsSpreadOverWorkers(t *testing.T) {
	tg := newTestRegistry(t, 2)
	tg.connect(t, "a", "alice")
	tg.connect(t, "b", "bob")
	tg.connect(t, "c", "carol")

	assert.EqualValues(t, 2, tg.engine.workers[0].routers.Load())
	assert.EqualValues(t, 1, tg.engine.workers[1].routers.Load())
	ids := make([]string, 0, 3)
	for _, r := range tg.List() {
		ids = append(ids, r.ID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestConnectRejectsFullCall(t *testing.T) {
	tg := newTestRegistry(t, 1)
	tg.repo.setState(&domain.CallState{ID: "call-1", CreatorID: "a", CallConfig: domain.CallConfig{Slots: 2}})

	room, a := tg.connect(t, "call-1", "a")
	joinPeer(t, room, a)
	_, b := tg.connect(t, "call-1", "b")
	joinPeer(t, room, b)

	var calls atomic.Int32
	_, _, err := tg.Connect(context.Background(), ConnectRequest{RoomID: "call-1", PeerID: "c"}, acceptInto(&calls))
	require.Error(t, err)
	assert.Equal(t, domain.CodeCallLimitExceeded, domain.CodeOf(err))
	assert.Zero(t, calls.Load(), "a refused connection is never upgraded")

	// A peer already in the call may reconnect.
	tg.connect(t, "call-1", "b")
}

func TestConnectToEndedCall(t *testing.T) {
	tg := newTestRegistry(t, 1)
	ended := time.Now()
	tg.repo.setState(&domain.CallState{ID: "call-1", CallConfig: domain.CallConfig{Slots: 5}, EndedAt: &ended})

	var calls atomic.Int32
	_, _, err := tg.Connect(context.Background(), ConnectRequest{RoomID: "call-1", PeerID: "a"}, acceptInto(&calls))
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
	assert.Zero(t, calls.Load())
	assert.Zero(t, tg.routers())
}

func TestRoomEndedElsewhereIsEvicted(t *testing.T) {
	tg := newTestRegistry(t, 1)
	tg.repo.setState(&domain.CallState{ID: "call-1", CreatorID: "a", CallConfig: domain.CallConfig{Slots: 5}})
	room, peer := tg.connect(t, "call-1", "a")
	joinPeer(t, room, peer)

	ended := time.Now()
	tg.repo.setState(&domain.CallState{ID: "call-1", CreatorID: "a", CallConfig: domain.CallConfig{Slots: 5}, EndedAt: &ended})
	var calls atomic.Int32
	_, _, err := tg.Connect(context.Background(), ConnectRequest{RoomID: "call-1", PeerID: "b"}, acceptInto(&calls))
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
	assert.Zero(t, calls.Load())

	select {
	case <-room.Done():
	case <-time.After(time.Second):
		t.Fatal("room of the ended call was not closed")
	}
	assert.Equal(t, CloseEvicted, room.CloseReason())
	assert.True(t, peer.channel.(*fakeChannel).isClosed())
	assert.Equal(t, 1, tg.routers())
	require.Eventually(t, func() bool { return tg.Len() == 0 }, time.Second, 5*time.Millisecond)
	snap := tg.repo.snapshot()
	assert.Empty(t, snap.softEnded)
	assert.Empty(t, snap.endedForAll)
}

func TestStoreErrorRefusesConnection(t *testing.T) {
	tg := newTestRegistry(t, 1)
	tg.repo.stateErr = errors.New("connection refused")

	var calls atomic.Int32
	_, _, err := tg.Connect(context.Background(), ConnectRequest{RoomID: "call-1", PeerID: "a"}, acceptInto(&calls))
	require.Error(t, err)
	assert.Equal(t, domain.CodeInternal, domain.CodeOf(err))
	assert.Zero(t, calls.Load())
}

func TestDefaultsWithoutCallRow(t *testing.T) {
	tg := newTestRegistry(t, 1)

	room, _ := tg.connect(t, "adhoc", "alice")
	assert.Equal(t, "alice", room.CreatorID())
	assert.Equal(t, domain.CallConfig{Slots: 3}, room.Config())

	var calls atomic.Int32
	bc, _, err := tg.Connect(context.Background(), ConnectRequest{
		RoomID:   "stage",
		PeerID:   "host",
		CallType: domain.CallTypeBroadcast,
	}, acceptInto(&calls))
	require.NoError(t, err)
	assert.Equal(t, domain.CallConfig{Slots: 10, StageSlots: 2}, bc.Config())
	assert.Equal(t, []string{"host"}, bc.Broadcasters())
}

func TestConsumerReplicasAreCapped(t *testing.T) {
	tg := newTestRegistry(t, 1)
	var calls atomic.Int32
	room, _, err := tg.Connect(context.Background(), ConnectRequest{RoomID: "r", PeerID: "a", ConsumerReplicas: 5}, acceptInto(&calls))
	require.NoError(t, err)
	assert.Equal(t, 2, room.consumerReplicas)
}

func TestAcceptFailureDropsNewRoom(t *testing.T) {
	tg := newTestRegistry(t, 1)
	_, _, err := tg.Connect(context.Background(), ConnectRequest{RoomID: "r", PeerID: "a"}, func() (core.PeerChannel, error) {
		return nil, errors.New("bad handshake")
	})
	require.Error(t, err)
	require.Eventually(t, func() bool { return tg.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, tg.repo.snapshot().softEnded)
}

func TestRoomCloseIsPersisted(t *testing.T) {
	tg := newTestRegistry(t, 1)

	room, a := tg.connect(t, "soft", "a")
	joinPeer(t, room, a)
	a.Disconnected()
	require.Eventually(t, func() bool {
		return len(tg.repo.snapshot().softEnded) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"soft"}, tg.repo.snapshot().softEnded)
	_, ok := tg.Get("soft")
	assert.False(t, ok)

	room, b := tg.connect(t, "forced", "b")
	joinPeer(t, room, b)
	assert.True(t, tg.ForceClose("forced"))
	assert.False(t, tg.ForceClose("missing"))
	require.Eventually(t, func() bool {
		return len(tg.repo.snapshot().endedForAll) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"forced"}, tg.repo.snapshot().endedForAll)
}

func TestClosingRoomIsReplaced(t *testing.T) {
	tg := newTestRegistry(t, 1)
	first, a := tg.connect(t, "r", "a")
	joinPeer(t, first, a)
	a.Disconnected()
	<-first.Done()

	second, _ := tg.connect(t, "r", "a")
	assert.NotSame(t, first, second)
	require.Eventually(t, func() bool {
		got, ok := tg.Get("r")
		return ok && got == second
	}, time.Second, 5*time.Millisecond)
}

func TestCloseAllLeavesCallsOpen(t *testing.T) {
	tg := newTestRegistry(t, 1)
	tg.connect(t, "a", "alice")
	tg.connect(t, "b", "bob")

	tg.CloseAll()
	assert.Zero(t, tg.Len())
	snap := tg.repo.snapshot()
	assert.Empty(t, snap.softEnded)
	assert.Empty(t, snap.endedForAll)
}

func TestStoppedRegistryRefusesConnections(t *testing.T) {
	tg := newTestRegistry(t, 1)
	tg.Stop()

	var calls atomic.Int32
	_, _, err := tg.Connect(context.Background(), ConnectRequest{RoomID: "r", PeerID: "a"}, acceptInto(&calls))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistryStopped)
	assert.Equal(t, domain.CodeServiceUnavailable, domain.CodeOf(err))
	assert.Zero(t, calls.Load())
}
