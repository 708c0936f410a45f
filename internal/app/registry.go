package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/dkeye/callserver/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Limits are the defaults for calls that have no durable row.
type Limits struct {
	CallSlots      int
	BroadcastSlots int
	StageSlots     int
}

func (l Limits) configFor(t domain.CallType) domain.CallConfig {
	if t == domain.CallTypeBroadcast {
		return domain.CallConfig{Slots: l.BroadcastSlots, StageSlots: l.StageSlots}
	}
	return domain.CallConfig{Slots: l.CallSlots}
}

type RegistryOptions struct {
	Limits              Limits
	Codecs              []domain.RtpCodecCapability
	Media               MediaSettings
	MaxConsumerReplicas int
	ReactionWindow      time.Duration
	RequestTimeout      time.Duration
	Policy              Policy
}

// ConnectRequest is what a transport knows about an incoming connection.
type ConnectRequest struct {
	RoomID           string
	PeerID           string
	CallType         domain.CallType
	ConsumerReplicas int
}

// AcceptFunc completes the transport handshake. It runs only once the
// connection has been admitted.
type AcceptFunc func() (core.PeerChannel, error)

var ErrRegistryStopped = errors.New("room registry stopped")

// RoomRegistry owns the live rooms of the process. Admission runs through
// one FIFO queue so that concurrent first connections to an unknown room
// never create it twice.
type RoomRegistry struct {
	pool    *WorkerPool
	repo    core.CallRepository
	auth    core.DeviceAuth
	gate    *PermissionGate
	metrics *metrics.Metrics
	opts    RegistryOptions

	tasks   chan func()
	stopped chan struct{}
	stop    sync.Once

	mu    sync.RWMutex
	rooms map[string]*Room

	watchers sync.WaitGroup
}

func NewRoomRegistry(pool *WorkerPool, repo core.CallRepository, auth core.DeviceAuth, m *metrics.Metrics, opts RegistryOptions) *RoomRegistry {
	return &RoomRegistry{
		pool:    pool,
		repo:    repo,
		auth:    auth,
		gate:    NewPermissionGate(repo),
		metrics: m,
		opts:    opts,
		tasks:   make(chan func()),
		stopped: make(chan struct{}),
		rooms:   make(map[string]*Room),
	}
}

// Run executes admission tasks one at a time until ctx is done or Stop is called.
func (g *RoomRegistry) Run(ctx context.Context) {
	log.Info().Str("module", "app.registry").Msg("admission queue running")
	for {
		select {
		case <-ctx.Done():
			g.Stop()
			return
		case <-g.stopped:
			return
		case task := <-g.tasks:
			task()
		}
	}
}

// Stop refuses every later Connect. Rooms stay open.
func (g *RoomRegistry) Stop() {
	g.stop.Do(func() {
		close(g.stopped)
		log.Info().Str("module", "app.registry").Msg("admission queue stopped")
	})
}

// Connect queues an admission and waits for it. On success the accepted
// channel is attached to the room.
func (g *RoomRegistry) Connect(ctx context.Context, req ConnectRequest, accept AcceptFunc) (*Room, *Peer, error) {
	type result struct {
		room *Room
		peer *Peer
		err  error
	}
	done := make(chan result, 1)
	task := func() {
		room, peer, err := g.admit(ctx, req, accept)
		done <- result{room, peer, err}
	}

	select {
	case g.tasks <- task:
	case <-g.stopped:
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, ErrRegistryStopped)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	res := <-done
	return res.room, res.peer, res.err
}

func (g *RoomRegistry) admit(ctx context.Context, req ConnectRequest, accept AcceptFunc) (*Room, *Peer, error) {
	logger := log.With().Str("module", "app.registry").Str("room_id", req.RoomID).Str("peer_id", req.PeerID).Logger()

	state, err := g.callState(ctx, req.RoomID)
	if err != nil {
		return nil, nil, err
	}
	if state.Ended() {
		g.evictEnded(req.RoomID, logger)
		return nil, nil, domain.Errorf(domain.CodeNotFound, "call %s has ended", req.RoomID)
	}

	room, created, err := g.getOrCreateRoom(ctx, req, state)
	if err != nil {
		return nil, nil, err
	}
	if !created && !room.hasPeer(req.PeerID) && room.JoinedCount() >= room.Config().Slots {
		logger.Warn().Int("slots", room.Config().Slots).Msg("call is full")
		return nil, nil, domain.Errorf(domain.CodeCallLimitExceeded, "call %s is full", req.RoomID)
	}

	ch, err := accept()
	if err != nil {
		if created && room.ConnectedCount() == 0 {
			room.Close(CloseEvicted)
		}
		return nil, nil, fmt.Errorf("accept connection: %w", err)
	}
	peer, err := room.HandleConnection(req.PeerID, ch)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return room, peer, nil
}

// evictEnded closes a live room whose call was ended by another server.
func (g *RoomRegistry) evictEnded(id string, logger zerolog.Logger) {
	g.mu.RLock()
	room, ok := g.rooms[id]
	g.mu.RUnlock()
	if !ok || room.State() >= RoomClosing {
		return
	}
	logger.Info().Msg("call ended elsewhere, evicting room")
	room.Close(CloseEvicted)
}

// callState returns the durable state, or nil when the call has no row.
func (g *RoomRegistry) callState(ctx context.Context, id string) (*domain.CallState, error) {
	state, err := g.repo.GetCallState(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("call state of %s: %w", id, err)
	}
	return state, nil
}

func (g *RoomRegistry) getOrCreateRoom(ctx context.Context, req ConnectRequest, state *domain.CallState) (*Room, bool, error) {
	g.mu.RLock()
	room, ok := g.rooms[req.RoomID]
	g.mu.RUnlock()
	// A closing room is replaced; its watcher only forgets itself.
	if ok && room.State() < RoomClosing {
		return room, false, nil
	}

	creatorID, cfg := req.PeerID, g.opts.Limits.configFor(req.CallType)
	if state != nil {
		creatorID, cfg = state.CreatorID, state.CallConfig
	}
	if cfg.Slots <= 0 {
		return nil, false, domain.Errorf(domain.CodeCallLimitExceeded, "call %s has no slots", req.RoomID)
	}

	router, err := g.pool.Next().CreateRouter(ctx, g.opts.Codecs)
	if err != nil {
		return nil, false, fmt.Errorf("create router: %w", err)
	}
	room, err = NewRoom(ctx, RoomOptions{
		ID:               req.RoomID,
		CallType:         req.CallType,
		CreatorID:        creatorID,
		Config:           cfg,
		ConsumerReplicas: min(max(req.ConsumerReplicas, 0), g.opts.MaxConsumerReplicas),
		Router:           router,
		Repo:             g.repo,
		Auth:             g.auth,
		Gate:             g.gate,
		Policy:           g.opts.Policy,
		Metrics:          g.metrics,
		Media:            g.opts.Media,
		ReactionWindow:   g.opts.ReactionWindow,
		RequestTimeout:   g.opts.RequestTimeout,
	})
	if err != nil {
		return nil, false, err
	}

	g.mu.Lock()
	g.rooms[room.ID()] = room
	g.mu.Unlock()
	g.metrics.RoomOpened()

	g.watchers.Add(1)
	go g.watch(room)
	return room, true, nil
}

// watch unregisters a room once it is closed and records the end of the call.
func (g *RoomRegistry) watch(room *Room) {
	defer g.watchers.Done()
	<-room.Done()

	g.mu.Lock()
	if g.rooms[room.ID()] == room {
		delete(g.rooms, room.ID())
	}
	g.mu.Unlock()

	reason := room.CloseReason()
	g.metrics.RoomClosed(reason.String())
	logger := log.With().Str("module", "app.registry").Str("room_id", room.ID()).Str("reason", reason.String()).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var err error
	switch reason {
	case CloseSoft:
		err = g.repo.SoftEndCall(ctx, room.ID())
	case CloseForced:
		err = g.repo.EndCallForEveryone(ctx, room.ID())
	}
	if err != nil {
		logger.Error().Err(err).Msg("persist call end")
		return
	}
	logger.Info().Msg("room unregistered")
}

func (g *RoomRegistry) Get(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// List returns the live rooms ordered by id.
func (g *RoomRegistry) List() []*Room {
	g.mu.RLock()
	rooms := slices.Collect(maps.Values(g.rooms))
	g.mu.RUnlock()
	slices.SortFunc(rooms, func(a, b *Room) int { return cmp.Compare(a.ID(), b.ID()) })
	return rooms
}

func (g *RoomRegistry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// ForceClose ends a live call for everyone. It reports false for unknown rooms.
func (g *RoomRegistry) ForceClose(id string) bool {
	room, ok := g.Get(id)
	if !ok {
		return false
	}
	room.ForceClose()
	return true
}

// CloseAll closes every room in parallel without touching durable state and
// waits for the registry to forget them.
func (g *RoomRegistry) CloseAll() {
	var wg conc.WaitGroup
	for _, room := range g.List() {
		wg.Go(func() { room.Close(CloseShutdown) })
	}
	wg.Wait()
	g.watchers.Wait()
}
