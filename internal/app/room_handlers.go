package app

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type requestHandler struct {
	// public handlers run before login.
	public bool
	fn     func(r *Room, ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error
}

var requestHandlers = map[string]requestHandler{
	"getSignableSecret":          {public: true, fn: (*Room).handleGetSignableSecret},
	"login":                      {public: true, fn: (*Room).handleLogin},
	"getRouterRtpCapabilities":   {fn: (*Room).handleGetRouterRtpCapabilities},
	"join":                       {fn: (*Room).handleJoin},
	"createWebRtcTransport":      {fn: (*Room).handleCreateWebRtcTransport},
	"connectWebRtcTransport":     {fn: (*Room).handleConnectWebRtcTransport},
	"restartIce":                 {fn: (*Room).handleRestartIce},
	"produce":                    {fn: (*Room).handleProduce},
	"closeProducer":              {fn: (*Room).handleCloseProducer},
	"pauseProducer":              {fn: (*Room).handlePauseProducer},
	"resumeProducer":             {fn: (*Room).handleResumeProducer},
	"pauseConsumer":              {fn: (*Room).handlePauseConsumer},
	"resumeConsumer":             {fn: (*Room).handleResumeConsumer},
	"setConsumerPreferredLayers": {fn: (*Room).handleSetConsumerPreferredLayers},
	"setConsumerPriority":        {fn: (*Room).handleSetConsumerPriority},
	"promoteBroadcaster":         {fn: (*Room).handlePromoteBroadcaster},
	"demoteBroadcaster":          {fn: (*Room).handleDemoteBroadcaster},
	"endCallForEveryone":         {fn: (*Room).handleEndCallForEveryone},
	"raiseHand":                  {fn: (*Room).handleRaiseHand},
	"lowerHand":                  {fn: (*Room).handleLowerHand},
	"moderationMute":             {fn: (*Room).handleModerationMute},
	"peerReaction":               {fn: (*Room).handlePeerReaction},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode unmarshals and validates a request payload. Malformed input is BadRequest.
func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &v); err != nil {
			return v, domain.Errorf(domain.CodeBadRequest, "malformed payload: %v", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return v, domain.Errorf(domain.CodeBadRequest, "%v", err)
	}
	return v, nil
}

func (r *Room) handleRequest(ctx context.Context, p *Peer, req core.Request, res core.Responder) {
	h, ok := requestHandlers[req.Method]
	if !ok {
		p.logger.Warn().Str("method", req.Method).Msg("unknown method")
		r.metrics.Request("unknown", string(domain.CodeMethodNotFound))
		res.Reject(domain.Errorf(domain.CodeMethodNotFound, "unknown method %q", req.Method))
		return
	}
	if !h.public && !p.Authenticated() {
		r.metrics.Request(req.Method, string(domain.CodeAuthenticationRequired))
		res.Reject(domain.ErrAuthenticationRequired)
		return
	}
	if r.State() >= RoomClosing {
		res.Reject(domain.Errorf(domain.CodeServiceUnavailable, "room %s is closing", r.id))
		return
	}

	err := h.fn(r, ctx, p, req.Data, res)
	if err != nil {
		code := domain.CodeOf(err)
		ev := p.logger.Warn()
		if code == domain.CodeInternal {
			ev = p.logger.Error()
		}
		ev.Err(err).Str("method", req.Method).Msg("request rejected")
		r.metrics.Request(req.Method, string(code))
		res.Reject(err)
		return
	}
	r.metrics.Request(req.Method, "ok")
}

func (r *Room) requireJoined(p *Peer) error {
	if !r.isJoined(p) {
		return domain.Errorf(domain.CodeNotAllowed, "peer not yet joined")
	}
	return nil
}

func (r *Room) handleGetSignableSecret(_ context.Context, p *Peer, _ json.RawMessage, res core.Responder) error {
	secret := uuid.NewString()
	p.setSecret(secret)
	res.Accept(secret)
	return nil
}

type loginRequest struct {
	DeviceID  string `json:"deviceId" validate:"required"`
	Signature string `json:"signature" validate:"required"`
	Secret    string `json:"secret"`
}

func (r *Room) handleLogin(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[loginRequest](data)
	if err != nil {
		return err
	}
	secret := p.signableSecret()
	if secret == "" {
		return domain.Errorf(domain.CodeInvalidSignature, "no signable secret issued")
	}
	if req.Secret != "" && req.Secret != secret {
		return domain.Errorf(domain.CodeInvalidSignature, "secret does not match")
	}
	userID, err := r.auth.VerifyDeviceAndGetUserID(ctx, req.DeviceID, secret, req.Signature)
	if err != nil {
		return err
	}
	if userID != p.id {
		return domain.Errorf(domain.CodeNotAllowed, "device belongs to another user")
	}
	p.setAuthenticated()
	p.logger.Info().Str("device_id", req.DeviceID).Msg("peer authenticated")
	res.Accept(peerIDNotification{PeerID: p.id})
	return nil
}

func (r *Room) handleGetRouterRtpCapabilities(_ context.Context, _ *Peer, _ json.RawMessage, res core.Responder) error {
	res.Accept(r.router.RtpCapabilities())
	return nil
}

type joinRequest struct {
	DisplayName      string                   `json:"displayName" validate:"max=128"`
	Device           domain.Device            `json:"device"`
	RtpCapabilities  *domain.RtpCapabilities  `json:"rtpCapabilities"`
	SctpCapabilities *domain.SctpCapabilities `json:"sctpCapabilities"`
}

type joinResponse struct {
	Peers        []domain.PeerInfo `json:"peers"`
	Broadcasters []string          `json:"broadcasters"`
	HandRaised   []string          `json:"handRaised"`
}

type pendingConsumer struct {
	owner    *Peer
	producer core.MediaProducer
}

func (r *Room) handleJoin(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[joinRequest](data)
	if err != nil {
		return err
	}
	if r.isJoined(p) {
		return domain.Errorf(domain.CodeAlreadyJoined, "peer %s already joined", p.id)
	}
	if err := r.gate.CanJoin(ctx, p.id, r.id, r.creatorID); err != nil {
		return err
	}

	isCreator := p.id == r.creatorID
	moderatorOnEmptyStage := false
	if r.callType == domain.CallTypeBroadcast && !isCreator && r.JoinedCount() == 0 {
		// A failed check leaves the peer in the audience; it never fails the join.
		if err := r.gate.CanModerate(ctx, p.id, r.id, r.creatorID); err != nil {
			p.logger.Info().Err(err).Msg("no auto promotion for first joiner")
		} else {
			moderatorOnEmptyStage = true
		}
	}

	r.mu.Lock()
	if r.state >= RoomClosing {
		r.mu.Unlock()
		return domain.Errorf(domain.CodeServiceUnavailable, "room %s is closing", r.id)
	}
	if p.joined {
		r.mu.Unlock()
		return domain.Errorf(domain.CodeAlreadyJoined, "peer %s already joined", p.id)
	}
	if r.peers[p.id] != p {
		r.mu.Unlock()
		return domain.Errorf(domain.CodeNotAllowed, "connection was superseded")
	}

	others := r.joinedLocked(p)
	promoted := false
	if r.callType == domain.CallTypeBroadcast && (isCreator || (moderatorOnEmptyStage && len(others) == 0)) {
		wasOnStage := r.broadcasters.Has(p.id)
		if err := r.broadcasters.Add(p.id); err != nil {
			p.logger.Warn().Err(err).Msg("auto promotion rejected")
		} else {
			promoted = !wasOnStage
		}
	}
	onStage := r.broadcasters.Has(p.id)

	p.joined = true
	p.displayName = req.DisplayName
	p.device = req.Device
	p.rtpCapabilities = req.RtpCapabilities
	// A superseded connection of the same id may still hold a place.
	r.joinOrder = slices.DeleteFunc(r.joinOrder, func(id string) bool { return id == p.id })
	r.joinOrder = append(r.joinOrder, p.id)
	if r.state == RoomCreated {
		r.state = RoomActive
	}

	snapshot := joinResponse{
		Peers:        make([]domain.PeerInfo, 0, len(others)),
		Broadcasters: r.broadcasters.IDs(),
		HandRaised:   r.hands.list(),
	}
	var existing []pendingConsumer
	for _, o := range others {
		snapshot.Peers = append(snapshot.Peers, o.infoLocked())
		for _, prod := range o.producerList() {
			existing = append(existing, pendingConsumer{owner: o, producer: prod})
		}
	}
	info := p.infoLocked()
	preview := r.previewIDsLocked()
	r.mu.Unlock()

	res.Accept(snapshot)
	p.logger.Info().Str("display_name", req.DisplayName).Int("others", len(others)).
		Bool("on_stage", onStage).Msg("peer joined")

	for _, e := range existing {
		go r.createConsumers(p, e.owner, e.producer)
	}
	for _, o := range others {
		r.notify(o, "newPeer", info)
		if onStage && (promoted || isCreator) {
			r.notify(o, "promotedBroadcaster", peerIDNotification{PeerID: p.id})
		}
	}
	if promoted {
		r.notify(p, "promotedBroadcaster", peerIDNotification{PeerID: p.id})
	}

	membershipID, err := r.repo.InsertCallMember(ctx, r.id, p.id)
	if err != nil {
		p.logger.Error().Err(err).Msg("insert call member")
		return nil
	}
	p.setMembershipID(membershipID)
	if err := r.repo.UpdateCallPreviewIDs(ctx, r.id, preview); err != nil {
		p.logger.Error().Err(err).Msg("update preview ids")
	}
	return nil
}

type createTransportRequest struct {
	ForceTCP         bool                     `json:"forceTcp"`
	Producing        bool                     `json:"producing"`
	Consuming        bool                     `json:"consuming"`
	SctpCapabilities *domain.SctpCapabilities `json:"sctpCapabilities"`
}

type createTransportResponse struct {
	ID             string                `json:"id"`
	IceParameters  domain.IceParameters  `json:"iceParameters"`
	IceCandidates  []domain.IceCandidate `json:"iceCandidates"`
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
}

type bweNotification struct {
	TransportID string `json:"transportId"`
	domain.BweTrace
}

func (r *Room) handleCreateWebRtcTransport(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[createTransportRequest](data)
	if err != nil {
		return err
	}
	bitrate := r.media.InitialOutgoingBitrate
	if r.Config().HighQuality {
		bitrate = r.media.HighQualityBitrate
	}
	t, err := r.router.CreateWebRtcTransport(ctx, core.TransportOptions{
		EnableUDP:                       !req.ForceTCP,
		EnableTCP:                       true,
		PreferUDP:                       !req.ForceTCP,
		InitialAvailableOutgoingBitrate: bitrate,
		Producing:                       req.Producing,
		Consuming:                       req.Consuming,
		SctpCapabilities:                req.SctpCapabilities,
	})
	if err != nil {
		return err
	}
	id := t.ID()
	t.OnBwe(func(trace domain.BweTrace) {
		r.notify(p, "downlinkBwe", bweNotification{TransportID: id, BweTrace: trace})
	})
	t.OnClose(func() { p.removeTransport(id) })
	if !p.addTransport(t) {
		t.Close()
		return domain.Errorf(domain.CodeServiceUnavailable, "peer is closing")
	}
	p.logger.Debug().Str("transport_id", id).Bool("force_tcp", req.ForceTCP).
		Bool("consuming", req.Consuming).Int("bitrate", bitrate).Msg("transport created")
	res.Accept(createTransportResponse{
		ID:             id,
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	})
	return nil
}

type connectTransportRequest struct {
	TransportID    string                `json:"transportId" validate:"required"`
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *domain.IceParameters `json:"iceParameters"`
}

func (r *Room) handleConnectWebRtcTransport(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[connectTransportRequest](data)
	if err != nil {
		return err
	}
	t, err := p.transport(req.TransportID)
	if err != nil {
		return err
	}
	if err := t.Connect(ctx, req.DtlsParameters, req.IceParameters); err != nil {
		return err
	}
	res.Accept(struct{}{})
	return nil
}

type transportIDRequest struct {
	TransportID string `json:"transportId" validate:"required"`
}

func (r *Room) handleRestartIce(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[transportIDRequest](data)
	if err != nil {
		return err
	}
	t, err := p.transport(req.TransportID)
	if err != nil {
		return err
	}
	params, err := t.RestartIce(ctx)
	if err != nil {
		return err
	}
	res.Accept(params)
	return nil
}

type produceRequest struct {
	TransportID   string               `json:"transportId" validate:"required"`
	Kind          domain.MediaKind     `json:"kind" validate:"oneof=audio video"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	AppData       map[string]any       `json:"appData"`
}

type idResponse struct {
	ID string `json:"id"`
}

type producerScoreNotification struct {
	ProducerID string                 `json:"producerId"`
	Score      []domain.ProducerScore `json:"score"`
}

func (r *Room) handleProduce(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	if err := r.requireJoined(p); err != nil {
		return err
	}
	req, err := decode[produceRequest](data)
	if err != nil {
		return err
	}

	r.mu.RLock()
	audioOnly := r.cfg.AudioOnly
	onStage, stageFull := r.broadcasters.Has(p.id), r.broadcasters.Full()
	r.mu.RUnlock()
	if r.callType == domain.CallTypeBroadcast && !onStage {
		if stageFull {
			return domain.Errorf(domain.CodeBroadcastersLimitExceeded, "stage is full")
		}
		return domain.Errorf(domain.CodeNotAllowed, "only broadcasters may produce")
	}
	if audioOnly && req.Kind == domain.MediaKindVideo {
		return domain.Errorf(domain.CodeNotAllowed, "call is audio only")
	}

	t, err := p.transport(req.TransportID)
	if err != nil {
		return err
	}
	appData := make(map[string]any, len(req.AppData)+1)
	maps.Copy(appData, req.AppData)
	appData["peerId"] = p.id

	prod, err := t.Produce(ctx, core.ProduceOptions{Kind: req.Kind, RtpParameters: req.RtpParameters, AppData: appData})
	if err != nil {
		return err
	}
	id := prod.ID()
	prod.OnScore(func(scores []domain.ProducerScore) {
		r.notify(p, "producerScore", producerScoreNotification{ProducerID: id, Score: scores})
	})
	prod.OnClose(func() { p.removeProducer(id) })

	// Registering the producer and listing consumers under one read lock keeps
	// a concurrent join from missing it.
	r.mu.RLock()
	added := p.addProducer(prod)
	targets := r.joinedLocked(p)
	r.mu.RUnlock()
	if !added {
		prod.Close()
		return domain.Errorf(domain.CodeServiceUnavailable, "peer is closing")
	}

	res.Accept(idResponse{ID: id})
	p.logger.Info().Str("producer_id", id).Str("kind", string(req.Kind)).Int("targets", len(targets)).Msg("producer created")

	for _, target := range targets {
		go r.createConsumers(target, p, prod)
	}
	if req.Kind == domain.MediaKindAudio {
		if err := r.audioLevel.AddProducer(ctx, id); err != nil {
			p.logger.Warn().Err(err).Msg("audio level observer add producer")
		}
		if err := r.activeSpeaker.AddProducer(ctx, id); err != nil {
			p.logger.Warn().Err(err).Msg("active speaker observer add producer")
		}
	}
	return nil
}

type producerIDRequest struct {
	ProducerID string `json:"producerId" validate:"required"`
}

func (r *Room) handleCloseProducer(_ context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[producerIDRequest](data)
	if err != nil {
		return err
	}
	prod, err := p.producer(req.ProducerID)
	if err != nil {
		return err
	}
	prod.Close()
	p.removeProducer(req.ProducerID)
	res.Accept(struct{}{})
	return nil
}

func (r *Room) handlePauseProducer(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[producerIDRequest](data)
	if err != nil {
		return err
	}
	prod, err := p.producer(req.ProducerID)
	if err != nil {
		return err
	}
	if err := prod.Pause(ctx); err != nil {
		return err
	}
	res.Accept(struct{}{})
	return nil
}

func (r *Room) handleResumeProducer(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[producerIDRequest](data)
	if err != nil {
		return err
	}
	prod, err := p.producer(req.ProducerID)
	if err != nil {
		return err
	}
	if err := prod.Resume(ctx); err != nil {
		return err
	}
	res.Accept(struct{}{})
	return nil
}

type consumerIDRequest struct {
	ConsumerID string `json:"consumerId" validate:"required"`
}

func (r *Room) handlePauseConsumer(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[consumerIDRequest](data)
	if err != nil {
		return err
	}
	c, err := p.consumer(req.ConsumerID)
	if err != nil {
		return err
	}
	if err := c.Pause(ctx); err != nil {
		return err
	}
	res.Accept(struct{}{})
	return nil
}

func (r *Room) handleResumeConsumer(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[consumerIDRequest](data)
	if err != nil {
		return err
	}
	c, err := p.consumer(req.ConsumerID)
	if err != nil {
		return err
	}
	if err := c.Resume(ctx); err != nil {
		return err
	}
	res.Accept(struct{}{})
	return nil
}

type preferredLayersRequest struct {
	ConsumerID    string `json:"consumerId" validate:"required"`
	SpatialLayer  int    `json:"spatialLayer" validate:"gte=0"`
	TemporalLayer *int   `json:"temporalLayer" validate:"omitempty,gte=0"`
}

func (r *Room) handleSetConsumerPreferredLayers(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[preferredLayersRequest](data)
	if err != nil {
		return err
	}
	c, err := p.consumer(req.ConsumerID)
	if err != nil {
		return err
	}
	layers := domain.ConsumerLayers{SpatialLayer: req.SpatialLayer, TemporalLayer: req.TemporalLayer}
	if err := c.SetPreferredLayers(ctx, layers); err != nil {
		return err
	}
	res.Accept(struct{}{})
	return nil
}

type priorityRequest struct {
	ConsumerID string `json:"consumerId" validate:"required"`
	Priority   int    `json:"priority" validate:"gte=1,lte=255"`
}

func (r *Room) handleSetConsumerPriority(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	req, err := decode[priorityRequest](data)
	if err != nil {
		return err
	}
	c, err := p.consumer(req.ConsumerID)
	if err != nil {
		return err
	}
	if err := c.SetPriority(ctx, req.Priority); err != nil {
		return err
	}
	res.Accept(struct{}{})
	return nil
}

type promoteRequest struct {
	PromotedPeerID string `json:"promotedPeerId" validate:"required"`
}

func (r *Room) handlePromoteBroadcaster(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	if err := r.requireJoined(p); err != nil {
		return err
	}
	req, err := decode[promoteRequest](data)
	if err != nil {
		return err
	}
	if err := r.gate.CanModerate(ctx, p.id, r.id, r.creatorID); err != nil {
		return err
	}

	r.mu.Lock()
	if target, ok := r.peers[req.PromotedPeerID]; !ok || !target.joined {
		r.mu.Unlock()
		return domain.Errorf(domain.CodeNotFound, "peer %s is not in the call", req.PromotedPeerID)
	}
	if err := r.broadcasters.Add(req.PromotedPeerID); err != nil {
		r.mu.Unlock()
		return err
	}
	r.hands.lower(req.PromotedPeerID)
	peers := r.joinedLocked(nil)
	r.mu.Unlock()

	res.Accept(struct{}{})
	p.logger.Info().Str("target", req.PromotedPeerID).Msg("broadcaster promoted")
	for _, o := range peers {
		r.notify(o, "promotedBroadcaster", peerIDNotification{PeerID: req.PromotedPeerID})
		r.notify(o, "loweredHand", peerIDNotification{PeerID: req.PromotedPeerID})
	}
	return nil
}

type demoteRequest struct {
	DemotedPeerID string `json:"demotedPeerId" validate:"required"`
}

func (r *Room) handleDemoteBroadcaster(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	if err := r.requireJoined(p); err != nil {
		return err
	}
	req, err := decode[demoteRequest](data)
	if err != nil {
		return err
	}
	if err := r.gate.CanModerate(ctx, p.id, r.id, r.creatorID); err != nil {
		return err
	}

	// The target is not required to be on stage; peers are told either way.
	r.mu.Lock()
	wasOnStage := r.broadcasters.Remove(req.DemotedPeerID)
	r.hands.lower(req.DemotedPeerID)
	peers := r.joinedLocked(nil)
	r.mu.Unlock()

	res.Accept(struct{}{})
	p.logger.Info().Str("target", req.DemotedPeerID).Bool("was_on_stage", wasOnStage).Msg("broadcaster demoted")
	for _, o := range peers {
		r.notify(o, "demotedBroadcaster", peerIDNotification{PeerID: req.DemotedPeerID})
		r.notify(o, "loweredHand", peerIDNotification{PeerID: req.DemotedPeerID})
	}
	return nil
}

func (r *Room) handleEndCallForEveryone(ctx context.Context, p *Peer, _ json.RawMessage, res core.Responder) error {
	if err := r.requireJoined(p); err != nil {
		return err
	}
	if err := r.gate.CanModerate(ctx, p.id, r.id, r.creatorID); err != nil {
		return err
	}
	res.Accept(struct{}{})
	p.logger.Info().Msg("call ended for everyone")
	r.ForceClose()
	return nil
}

type handRequest struct {
	PeerID string `json:"peerId"`
}

func (r *Room) handleRaiseHand(_ context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	return r.setHand(p, data, res, true)
}

func (r *Room) handleLowerHand(_ context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	return r.setHand(p, data, res, false)
}

func (r *Room) setHand(p *Peer, data json.RawMessage, res core.Responder, raised bool) error {
	if err := r.requireJoined(p); err != nil {
		return err
	}
	req, err := decode[handRequest](data)
	if err != nil {
		return err
	}
	target := req.PeerID
	if target == "" {
		target = p.id
	}

	r.mu.Lock()
	method := "loweredHand"
	if raised {
		method = "raisedHand"
		r.hands.raise(target)
	} else {
		r.hands.lower(target)
	}
	peers := r.joinedLocked(nil)
	r.mu.Unlock()

	res.Accept(struct{}{})
	for _, o := range peers {
		r.notify(o, method, peerIDNotification{PeerID: target})
	}
	return nil
}

type muteRequest struct {
	MutedPeerID string `json:"mutedPeerId" validate:"required"`
}

type moderationMutedNotification struct {
	ModeratorID string   `json:"moderatorId"`
	ProducerIDs []string `json:"producerIds"`
}

func (r *Room) handleModerationMute(ctx context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	if err := r.requireJoined(p); err != nil {
		return err
	}
	req, err := decode[muteRequest](data)
	if err != nil {
		return err
	}
	if req.MutedPeerID == p.id {
		return domain.Errorf(domain.CodeNotAllowed, "cannot mute yourself")
	}
	if err := r.gate.CanModerate(ctx, p.id, r.id, r.creatorID); err != nil {
		return err
	}
	target, ok := r.joinedPeer(req.MutedPeerID)
	if !ok {
		return domain.Errorf(domain.CodeNotFound, "peer %s is not in the call", req.MutedPeerID)
	}

	var muted []string
	var errs []error
	for _, prod := range target.producerList() {
		if prod.Kind() != domain.MediaKindAudio {
			continue
		}
		if err := prod.Pause(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		muted = append(muted, prod.ID())
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Warn().Err(err).Str("target", target.id).Msg("some producers could not be paused")
	}

	res.Accept(struct{}{})
	p.logger.Info().Str("target", target.id).Int("producers", len(muted)).Msg("peer muted by moderator")
	r.notify(target, "moderationMuted", moderationMutedNotification{ModeratorID: p.id, ProducerIDs: muted})
	return nil
}

type reactionRequest struct {
	Reaction string `json:"reaction" validate:"required,max=64"`
}

type reactionNotification struct {
	PeerID   string `json:"peerId"`
	Reaction string `json:"reaction"`
}

func (r *Room) handlePeerReaction(_ context.Context, p *Peer, data json.RawMessage, res core.Responder) error {
	if err := r.requireJoined(p); err != nil {
		return err
	}
	req, err := decode[reactionRequest](data)
	if err != nil {
		return err
	}
	res.Accept(struct{}{})
	if !p.reactions.Allow(req.Reaction) {
		return nil
	}
	r.broadcast("reactionReceived", reactionNotification{PeerID: p.id, Reaction: req.Reaction}, nil)
	return nil
}
