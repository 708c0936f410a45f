package app

import (
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
)

type RoomState int

const (
	RoomCreated RoomState = iota
	RoomActive
	RoomClosing
	RoomClosed
)

func (s RoomState) String() string {
	switch s {
	case RoomCreated:
		return "created"
	case RoomActive:
		return "active"
	case RoomClosing:
		return "closing"
	case RoomClosed:
		return "closed"
	}
	return fmt.Sprintf("RoomState(%d)", int(s))
}

// CloseReason tells the registry what to do with the durable call once a room is closed.
type CloseReason int

const (
	// CloseSoft: the room emptied out; the call ends unless it is scheduled.
	CloseSoft CloseReason = iota
	// CloseForced: the call was ended for everyone.
	CloseForced
	// CloseEvicted: the call was already ended elsewhere; nothing to persist.
	CloseEvicted
	// CloseShutdown: the process is stopping and has already flushed.
	CloseShutdown
)

func (r CloseReason) String() string {
	switch r {
	case CloseSoft:
		return "soft"
	case CloseForced:
		return "forced"
	case CloseEvicted:
		return "evicted"
	case CloseShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("CloseReason(%d)", int(r))
}

const previewIDsLimit = 9

var errRoomNotActive = errors.New("room is not active")

// MediaSettings are the per-room media knobs.
type MediaSettings struct {
	InitialOutgoingBitrate int
	HighQualityBitrate     int
	AudioLevel             core.AudioLevelObserverOptions
	ActiveSpeaker          core.ActiveSpeakerObserverOptions
}

type RoomOptions struct {
	ID               string
	CallType         domain.CallType
	CreatorID        string
	Config           domain.CallConfig
	ConsumerReplicas int
	Router           core.MediaRouter

	Repo    core.CallRepository
	Auth    core.DeviceAuth
	Gate    *PermissionGate
	Policy  Policy
	Metrics *metrics.Metrics

	Media          MediaSettings
	ReactionWindow time.Duration
	// RequestTimeout bounds server-initiated requests such as newConsumer.
	RequestTimeout time.Duration
}

// Room is the live state of one call.
type Room struct {
	id               string
	callType         domain.CallType
	creatorID        string
	consumerReplicas int

	router        core.MediaRouter
	audioLevel    core.AudioLevelObserver
	activeSpeaker core.ActiveSpeakerObserver

	repo           core.CallRepository
	auth           core.DeviceAuth
	gate           *PermissionGate
	policy         Policy
	metrics        *metrics.Metrics
	media          MediaSettings
	reactionWindow time.Duration
	requestTimeout time.Duration

	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	state        RoomState
	cfg          domain.CallConfig
	peers        map[string]*Peer
	joinOrder    []string
	broadcasters *BroadcasterSet
	hands        handSet
	reason       CloseReason

	done chan struct{}
}

// NewRoom builds a room on an already created router and attaches its
// speaker observers. The router is closed if setup fails.
func NewRoom(ctx context.Context, opts RoomOptions) (*Room, error) {
	logger := log.With().
		Str("module", "app.room").
		Str("room_id", opts.ID).
		Str("call_type", string(opts.CallType)).
		Logger()

	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 20 * time.Second
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:               opts.ID,
		callType:         opts.CallType,
		creatorID:        opts.CreatorID,
		consumerReplicas: max(opts.ConsumerReplicas, 0),
		router:           opts.Router,
		repo:             opts.Repo,
		auth:             opts.Auth,
		gate:             opts.Gate,
		policy:           opts.Policy,
		metrics:          opts.Metrics,
		media:            opts.Media,
		reactionWindow:   opts.ReactionWindow,
		requestTimeout:   opts.RequestTimeout,
		logger:           logger,
		ctx:              roomCtx,
		cancel:           cancel,
		cfg:              opts.Config,
		peers:            make(map[string]*Peer),
		broadcasters:     NewBroadcasterSet(opts.Config.StageSlots),
		done:             make(chan struct{}),
	}

	al, err := r.router.CreateAudioLevelObserver(ctx, opts.Media.AudioLevel)
	if err != nil {
		cancel()
		r.router.Close()
		return nil, fmt.Errorf("audio level observer: %w", err)
	}
	as, err := r.router.CreateActiveSpeakerObserver(ctx, opts.Media.ActiveSpeaker)
	if err != nil {
		cancel()
		al.Close()
		r.router.Close()
		return nil, fmt.Errorf("active speaker observer: %w", err)
	}
	r.audioLevel, r.activeSpeaker = al, as
	r.observeSpeakers()

	if r.callType == domain.CallTypeBroadcast && r.creatorID != "" {
		if err := r.broadcasters.Add(r.creatorID); err != nil {
			logger.Warn().Err(err).Msg("creator does not fit on stage")
		}
	}

	logger.Info().Str("creator_id", r.creatorID).Int("slots", r.cfg.Slots).
		Int("stage_slots", r.cfg.StageSlots).Int("consumer_replicas", r.consumerReplicas).Msg("room created")
	return r, nil
}

type activeSpeakerNotification struct {
	PeerID *string `json:"peerId"`
	Volume *int    `json:"volume,omitempty"`
}

type peerIDNotification struct {
	PeerID string `json:"peerId"`
}

func (r *Room) observeSpeakers() {
	r.audioLevel.OnVolumes(func(volumes []core.AudioVolume) {
		if len(volumes) == 0 {
			return
		}
		peerID, volume := volumes[0].Producer.PeerID(), volumes[0].Volume
		r.broadcast("activeSpeaker", activeSpeakerNotification{PeerID: &peerID, Volume: &volume}, nil)
	})
	r.audioLevel.OnSilence(func() {
		r.broadcast("activeSpeaker", activeSpeakerNotification{}, nil)
	})
	r.activeSpeaker.OnDominantSpeaker(func(prod core.MediaProducer) {
		r.broadcast("dominantSpeaker", peerIDNotification{PeerID: prod.PeerID()}, nil)
	})
}

func (r *Room) ID() string { return r.id }

func (r *Room) CallType() domain.CallType { return r.callType }

func (r *Room) CreatorID() string { return r.creatorID }

func (r *Room) RtpCapabilities() domain.RtpCapabilities { return r.router.RtpCapabilities() }

func (r *Room) Config() domain.CallConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Room) State() RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Done is closed once the room reached RoomClosed.
func (r *Room) Done() <-chan struct{} { return r.done }

// CloseReason is meaningful after Done is closed.
func (r *Room) CloseReason() CloseReason {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reason
}

func (r *Room) JoinedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joinOrder)
}

func (r *Room) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) Broadcasters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broadcasters.IDs()
}

func (r *Room) HandsRaised() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hands.list()
}

// RoomInfo is a listing entry of a live room.
type RoomInfo struct {
	ID           string          `json:"id"`
	CallType     domain.CallType `json:"callType"`
	State        string          `json:"state"`
	Joined       int             `json:"joined"`
	Connected    int             `json:"connected"`
	Broadcasters int             `json:"broadcasters"`
	domain.CallConfig
}

func (r *Room) Info() RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomInfo{
		ID:           r.id,
		CallType:     r.callType,
		State:        r.state.String(),
		Joined:       len(r.joinOrder),
		Connected:    len(r.peers),
		Broadcasters: r.broadcasters.Len(),
		CallConfig:   r.cfg,
	}
}

// HandleConnection attaches a freshly accepted channel. An older connection
// of the same peer is closed.
func (r *Room) HandleConnection(peerID string, ch core.PeerChannel) (*Peer, error) {
	r.mu.Lock()
	if r.state >= RoomClosing {
		r.mu.Unlock()
		return nil, domain.Errorf(domain.CodeServiceUnavailable, "room %s is closing", r.id)
	}
	old := r.peers[peerID]
	p := newPeer(r, peerID, ch)
	r.peers[peerID] = p
	r.mu.Unlock()

	r.metrics.PeerConnected()
	if old != nil {
		r.logger.Info().Str("peer_id", peerID).Msg("peer reconnected, closing previous connection")
		old.channel.Close()
	}
	p.logger.Info().Msg("peer connected")
	return p, nil
}

// HandleCallUpdate replaces the live config and tells every connected peer.
func (r *Room) HandleCallUpdate(cfg domain.CallConfig) error {
	r.mu.Lock()
	if r.state != RoomActive {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("room %s is %s: %w", r.id, state, errRoomNotActive)
	}
	r.cfg = cfg
	r.broadcasters.SetCapacity(cfg.StageSlots)
	peers := slices.Collect(maps.Values(r.peers))
	r.mu.Unlock()

	r.logger.Info().Int("slots", cfg.Slots).Int("stage_slots", cfg.StageSlots).
		Bool("audio_only", cfg.AudioOnly).Bool("high_quality", cfg.HighQuality).Msg("call config updated")
	for _, p := range peers {
		r.notify(p, "callUpdate", cfg)
	}
	return nil
}

// ForceClose ends the call for everyone without a permission check.
func (r *Room) ForceClose() {
	r.broadcast("callEnded", struct{}{}, nil)
	r.Close(CloseForced)
}

// Close tears the room down. Only the first call has an effect; the reason
// of that call is reported through CloseReason.
func (r *Room) Close(reason CloseReason) {
	r.mu.Lock()
	if r.state >= RoomClosing {
		r.mu.Unlock()
		return
	}
	r.state = RoomClosing
	r.reason = reason
	peers := slices.Collect(maps.Values(r.peers))
	clear(r.peers)
	r.joinOrder = nil
	r.broadcasters.Clear()
	r.mu.Unlock()

	r.logger.Info().Str("reason", reason.String()).Int("peers", len(peers)).Msg("closing room")
	for _, p := range peers {
		p.closeMedia()
		p.channel.Close()
		r.metrics.PeerDisconnected()
	}
	r.audioLevel.Close()
	r.activeSpeaker.Close()
	r.router.Close()
	r.cancel()

	r.mu.Lock()
	r.state = RoomClosed
	r.mu.Unlock()
	close(r.done)
	r.logger.Info().Msg("room closed")
}

func (r *Room) peerDisconnected(p *Peer) {
	r.mu.Lock()
	if r.state >= RoomClosing {
		r.mu.Unlock()
		p.closeMedia()
		return
	}
	superseded := r.peers[p.id] != p
	if !superseded {
		delete(r.peers, p.id)
	}
	wasJoined := p.joined
	// A replacement that already joined owns the id's place and stage state.
	rejoined := superseded && r.peers[p.id] != nil && r.peers[p.id].joined
	var demoted, lowered bool
	if wasJoined {
		p.joined = false
	}
	if wasJoined && !rejoined {
		r.joinOrder = slices.DeleteFunc(r.joinOrder, func(id string) bool { return id == p.id })
		if r.callType == domain.CallTypeBroadcast {
			demoted = r.broadcasters.Remove(p.id)
		}
		lowered = r.hands.lower(p.id)
	}
	others := r.joinedLocked(p)
	connected := len(r.peers)
	stageEmpty := r.callType == domain.CallTypeBroadcast && r.broadcasters.Len() == 0
	preview := r.previewIDsLocked()
	r.mu.Unlock()

	r.metrics.PeerDisconnected()
	p.logger.Info().Bool("joined", wasJoined).Bool("superseded", superseded).Msg("peer disconnected")

	if wasJoined && !rejoined {
		for _, o := range others {
			if o.id == p.id {
				continue
			}
			if demoted {
				r.notify(o, "demotedBroadcaster", peerIDNotification{PeerID: p.id})
			}
			if lowered {
				r.notify(o, "loweredHand", peerIDNotification{PeerID: p.id})
			}
			r.notify(o, "peerClosed", peerIDNotification{PeerID: p.id})
		}
	}
	p.closeMedia()

	if membershipID := p.takeMembershipID(); membershipID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.repo.CallMemberLeave(ctx, membershipID); err != nil {
			p.logger.Error().Err(err).Msg("call member leave")
		}
		if err := r.repo.UpdateCallPreviewIDs(ctx, r.id, preview); err != nil {
			p.logger.Error().Err(err).Msg("update preview ids")
		}
		cancel()
	}

	if superseded {
		return
	}
	switch {
	case connected == 0:
		r.Close(CloseSoft)
	case wasJoined && len(others) == 0:
		r.Close(CloseSoft)
	case stageEmpty:
		r.logger.Info().Msg("stage is empty, closing broadcast room")
		r.Close(CloseSoft)
	}
}

// joinedLocked lists joined peers other than except. Needs the room lock.
func (r *Room) joinedLocked(except *Peer) []*Peer {
	out := make([]*Peer, 0, len(r.joinOrder))
	for _, id := range r.joinOrder {
		p, ok := r.peers[id]
		if !ok || p == except || !p.joined {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *Room) joinedPeer(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok || !p.joined {
		return nil, false
	}
	return p, true
}

func (r *Room) hasPeer(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

func (r *Room) isJoined(p *Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return p.joined
}

// previewIDsLocked returns the most recent joiners, newest last.
func (r *Room) previewIDsLocked() []string {
	ids := r.joinOrder
	if len(ids) > previewIDsLimit {
		ids = ids[len(ids)-previewIDsLimit:]
	}
	return slices.Clone(ids)
}

// notify pushes to one peer and applies the back-pressure policy when its
// queue is full.
func (r *Room) notify(p *Peer, method string, data any) {
	err := p.channel.Notify(method, data)
	if err == nil {
		return
	}
	if errors.Is(err, core.ErrBackpressure) && r.policy.OnBackPressure(r, p) == KickPeer {
		p.logger.Warn().Str("method", method).Msg("outbound queue full, dropping peer")
		p.channel.Close()
		return
	}
	p.logger.Debug().Err(err).Str("method", method).Msg("notify failed")
}

// broadcast notifies every joined peer except except.
func (r *Room) broadcast(method string, data any, except *Peer) {
	r.mu.RLock()
	peers := r.joinedLocked(except)
	r.mu.RUnlock()
	for _, p := range peers {
		r.notify(p, method, data)
	}
}
