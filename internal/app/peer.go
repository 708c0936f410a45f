package app

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/rs/zerolog"
)

// Peer is one signaling connection inside a room.
//
// Membership fields (joined, info, rtpCapabilities) are guarded by the room
// lock. Auth state and media handles are guarded by the peer lock. The room
// lock is always taken before the peer lock.
type Peer struct {
	id        string
	room      *Room
	channel   core.PeerChannel
	logger    zerolog.Logger
	reactions *ReactionDebouncer

	ctx    context.Context
	cancel context.CancelFunc

	// room lock
	joined          bool
	displayName     string
	device          domain.Device
	rtpCapabilities *domain.RtpCapabilities

	mu            sync.Mutex
	authenticated bool
	secret        string
	membershipID  string
	closed        bool
	transports    map[string]core.MediaTransport
	producers     map[string]core.MediaProducer
	consumers     map[string]core.MediaConsumer
}

func newPeer(r *Room, id string, ch core.PeerChannel) *Peer {
	ctx, cancel := context.WithCancel(r.ctx)
	return &Peer{
		id:         id,
		room:       r,
		channel:    ch,
		logger:     r.logger.With().Str("peer_id", id).Logger(),
		reactions:  NewReactionDebouncer(r.reactionWindow),
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[string]core.MediaTransport),
		producers:  make(map[string]core.MediaProducer),
		consumers:  make(map[string]core.MediaConsumer),
	}
}

func (p *Peer) ID() string { return p.id }

// HandleRequest implements core.RequestHandler.
func (p *Peer) HandleRequest(ctx context.Context, req core.Request, res core.Responder) {
	p.room.handleRequest(ctx, p, req, res)
}

// Disconnected implements core.RequestHandler.
func (p *Peer) Disconnected() {
	p.room.peerDisconnected(p)
}

// infoLocked needs the room lock.
func (p *Peer) infoLocked() domain.PeerInfo {
	return domain.PeerInfo{ID: p.id, DisplayName: p.displayName, Device: p.device}
}

func (p *Peer) Authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated
}

func (p *Peer) setSecret(secret string) {
	p.mu.Lock()
	p.secret = secret
	p.mu.Unlock()
}

func (p *Peer) signableSecret() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.secret
}

// setAuthenticated also spends the signable secret; it signs one login only.
func (p *Peer) setAuthenticated() {
	p.mu.Lock()
	p.authenticated = true
	p.secret = ""
	p.mu.Unlock()
}

func (p *Peer) setMembershipID(id string) {
	p.mu.Lock()
	p.membershipID = id
	p.mu.Unlock()
}

func (p *Peer) takeMembershipID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.membershipID
	p.membershipID = ""
	return id
}

// addTransport reports false once the peer is closed.
func (p *Peer) addTransport(t core.MediaTransport) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.transports[t.ID()] = t
	return true
}

func (p *Peer) transport(id string) (core.MediaTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transports[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "transport %q not found", id)
	}
	return t, nil
}

func (p *Peer) removeTransport(id string) {
	p.mu.Lock()
	delete(p.transports, id)
	p.mu.Unlock()
}

// consumingTransport returns the transport the peer asked to receive on.
func (p *Peer) consumingTransport() core.MediaTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		if t.Consuming() {
			return t
		}
	}
	return nil
}

func (p *Peer) addProducer(prod core.MediaProducer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.producers[prod.ID()] = prod
	return true
}

func (p *Peer) producer(id string) (core.MediaProducer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prod, ok := p.producers[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "producer %q not found", id)
	}
	return prod, nil
}

func (p *Peer) removeProducer(id string) {
	p.mu.Lock()
	delete(p.producers, id)
	p.mu.Unlock()
}

func (p *Peer) producerList() []core.MediaProducer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Collect(maps.Values(p.producers))
}

func (p *Peer) addConsumer(c core.MediaConsumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.ID()] = c
	return true
}

func (p *Peer) consumer(id string) (core.MediaConsumer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "consumer %q not found", id)
	}
	return c, nil
}

func (p *Peer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Peer) consumerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers)
}

// closeMedia closes every transport of the peer, which takes its producers
// and consumers with it. Safe to call more than once.
func (p *Peer) closeMedia() {
	p.cancel()
	p.reactions.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	transports := slices.Collect(maps.Values(p.transports))
	clear(p.transports)
	clear(p.producers)
	clear(p.consumers)
	p.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
}
