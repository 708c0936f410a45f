package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/stretchr/testify/require"
)

// notification is one server push seen by a fake channel.
type notification struct {
	Method string
	Data   any
}

type fakeChannel struct {
	mu            sync.Mutex
	notifications []notification
	requests      []notification
	requestErr    error
	notifyErr     error
	closed        bool
	done          chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (c *fakeChannel) Notify(method string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifyErr != nil {
		return c.notifyErr
	}
	c.notifications = append(c.notifications, notification{method, data})
	return nil
}

func (c *fakeChannel) Request(_ context.Context, method string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, notification{method, data})
	if c.requestErr != nil {
		return nil, c.requestErr
	}
	return json.RawMessage(`{}`), nil
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// methods lists pushed notification methods in order.
func (c *fakeChannel) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.notifications))
	for _, n := range c.notifications {
		out = append(out, n.Method)
	}
	return out
}

func (c *fakeChannel) sent(method string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, n := range c.notifications {
		if n.Method == method {
			out = append(out, n.Data)
		}
	}
	return out
}

func (c *fakeChannel) requestCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	c.notifications = nil
	c.requests = nil
	c.mu.Unlock()
}

type fakeResponder struct {
	mu       sync.Mutex
	accepted bool
	data     any
	err      error
}

func (r *fakeResponder) Accept(data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.accepted || r.err != nil {
		return
	}
	r.accepted, r.data = true, data
}

func (r *fakeResponder) Reject(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.accepted || r.err != nil {
		return
	}
	r.err = err
}

var idSeq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idSeq.Add(1))
}

type fakeProducer struct {
	id      string
	kind    domain.MediaKind
	peerID  string
	appData map[string]any

	mu       sync.Mutex
	paused   bool
	pauseErr error
	closed   bool
	onClose  []func()
	onScore  []func([]domain.ProducerScore)
}

func (p *fakeProducer) ID() string              { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind  { return p.kind }
func (p *fakeProducer) PeerID() string          { return p.peerID }
func (p *fakeProducer) AppData() map[string]any { return p.appData }

func (p *fakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakeProducer) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pauseErr != nil {
		return p.pauseErr
	}
	p.paused = true
	return nil
}

func (p *fakeProducer) Resume(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *fakeProducer) OnScore(fn func([]domain.ProducerScore)) {
	p.mu.Lock()
	p.onScore = append(p.onScore, fn)
	p.mu.Unlock()
}

func (p *fakeProducer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fns := slices.Clone(p.onClose)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeConsumer struct {
	id       string
	producer *fakeProducer

	mu       sync.Mutex
	paused   bool
	resumed  bool
	closed   bool
	handlers core.ConsumerHandlers
}

func (c *fakeConsumer) ID() string                          { return c.id }
func (c *fakeConsumer) ProducerID() string                  { return c.producer.id }
func (c *fakeConsumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *fakeConsumer) Type() string                        { return "simple" }
func (c *fakeConsumer) RtpParameters() domain.RtpParameters { return domain.RtpParameters{} }
func (c *fakeConsumer) ProducerPaused() bool                { return c.producer.Paused() }
func (c *fakeConsumer) Score() domain.ConsumerScore         { return domain.ConsumerScore{Score: 10, ProducerScore: 10} }
func (c *fakeConsumer) AppData() map[string]any             { return nil }

func (c *fakeConsumer) Pause(context.Context) error {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConsumer) Resume(context.Context) error {
	c.mu.Lock()
	c.paused, c.resumed = false, true
	c.mu.Unlock()
	return nil
}

func (c *fakeConsumer) SetPreferredLayers(context.Context, domain.ConsumerLayers) error { return nil }
func (c *fakeConsumer) SetPriority(context.Context, int) error                         { return nil }

func (c *fakeConsumer) Handle(h core.ConsumerHandlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *fakeConsumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConsumer) isResumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed
}

type fakeTransport struct {
	id        string
	router    *fakeRouter
	producing bool
	consuming bool

	mu        sync.Mutex
	connected bool
	closed    bool
	consumes  int
	consumers []*fakeConsumer
	onClose   []func()
}

func (t *fakeTransport) ID() string                           { return t.id }
func (t *fakeTransport) Producing() bool                      { return t.producing }
func (t *fakeTransport) Consuming() bool                      { return t.consuming }
func (t *fakeTransport) IceParameters() domain.IceParameters  { return domain.IceParameters{} }
func (t *fakeTransport) IceCandidates() []domain.IceCandidate { return nil }
func (t *fakeTransport) DtlsParameters() domain.DtlsParameters {
	return domain.DtlsParameters{Role: "auto"}
}

func (t *fakeTransport) Connect(context.Context, domain.DtlsParameters, *domain.IceParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return domain.Errorf(domain.CodeNotAllowed, "already connected")
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) RestartIce(context.Context) (domain.IceParameters, error) {
	return domain.IceParameters{UsernameFragment: "u", Password: "p"}, nil
}

func (t *fakeTransport) Produce(_ context.Context, opts core.ProduceOptions) (core.MediaProducer, error) {
	peerID, _ := opts.AppData["peerId"].(string)
	p := &fakeProducer{id: nextID("prod"), kind: opts.Kind, peerID: peerID, appData: opts.AppData}
	t.router.addProducer(p)
	return p, nil
}

func (t *fakeTransport) Consume(_ context.Context, opts core.ConsumeOptions) (core.MediaConsumer, error) {
	t.mu.Lock()
	t.consumes++
	n := t.consumes
	t.mu.Unlock()
	if fail := t.router.consumeFail; fail != nil && fail(n) {
		return nil, errors.New("consume failed")
	}
	prod, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "producer %s", opts.ProducerID)
	}
	c := &fakeConsumer{id: nextID("cons"), producer: prod, paused: opts.Paused}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) consumerList() []*fakeConsumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.consumers)
}

func (t *fakeTransport) OnBwe(func(domain.BweTrace)) {}

func (t *fakeTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	fns := slices.Clone(t.onClose)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeObserver struct {
	mu        sync.Mutex
	producers []string
	volumes   func([]core.AudioVolume)
	silence   func()
	dominant  func(core.MediaProducer)
	closed    bool
}

func (o *fakeObserver) AddProducer(_ context.Context, id string) error {
	o.mu.Lock()
	o.producers = append(o.producers, id)
	o.mu.Unlock()
	return nil
}

func (o *fakeObserver) RemoveProducer(_ context.Context, id string) error {
	o.mu.Lock()
	o.producers = slices.DeleteFunc(o.producers, func(p string) bool { return p == id })
	o.mu.Unlock()
	return nil
}

func (o *fakeObserver) OnVolumes(fn func([]core.AudioVolume))         { o.volumes = fn }
func (o *fakeObserver) OnSilence(fn func())                           { o.silence = fn }
func (o *fakeObserver) OnDominantSpeaker(fn func(core.MediaProducer)) { o.dominant = fn }

func (o *fakeObserver) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *fakeObserver) producerIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.producers)
}

type fakeRouter struct {
	id string
	// consumeFail decides per Consume call (1-based, per transport) whether it fails.
	consumeFail func(n int) bool
	cannot      bool

	mu            sync.Mutex
	transports    []*fakeTransport
	producers     map[string]*fakeProducer
	audioLevel    *fakeObserver
	activeSpeaker *fakeObserver
	closed        bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		id:            nextID("router"),
		producers:     make(map[string]*fakeProducer),
		audioLevel:    &fakeObserver{},
		activeSpeaker: &fakeObserver{},
	}
}

func (r *fakeRouter) ID() string { return r.id }

func (r *fakeRouter) RtpCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 100},
	}}
}

func (r *fakeRouter) CanConsume(string, domain.RtpCapabilities) bool { return !r.cannot }

func (r *fakeRouter) CreateWebRtcTransport(_ context.Context, opts core.TransportOptions) (core.MediaTransport, error) {
	t := &fakeTransport{id: nextID("transport"), router: r, producing: opts.Producing, consuming: opts.Consuming}
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *fakeRouter) CreateAudioLevelObserver(context.Context, core.AudioLevelObserverOptions) (core.AudioLevelObserver, error) {
	return r.audioLevel, nil
}

func (r *fakeRouter) CreateActiveSpeakerObserver(context.Context, core.ActiveSpeakerObserverOptions) (core.ActiveSpeakerObserver, error) {
	return r.activeSpeaker, nil
}

func (r *fakeRouter) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *fakeRouter) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeRouter) addProducer(p *fakeProducer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *fakeRouter) producer(id string) (*fakeProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

type fakeWorker struct {
	index   int
	routers atomic.Int32
	delay   time.Duration

	mu     sync.Mutex
	closed bool
	died   chan struct{}
	err    error
}

func newFakeWorker(index int) *fakeWorker {
	return &fakeWorker{index: index, died: make(chan struct{})}
}

func (w *fakeWorker) Index() int { return w.index }

func (w *fakeWorker) CreateRouter(context.Context, []domain.RtpCodecCapability) (core.MediaRouter, error) {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	w.routers.Add(1)
	return newFakeRouter(), nil
}

func (w *fakeWorker) Died() <-chan struct{} { return w.died }

func (w *fakeWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *fakeWorker) die(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	close(w.died)
}

func (w *fakeWorker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

type fakeEngine struct {
	mu       sync.Mutex
	workers  []*fakeWorker
	settings []core.WorkerSettings
	failAt   int
}

func (e *fakeEngine) CreateWorker(_ context.Context, s core.WorkerSettings) (core.MediaWorker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAt > 0 && len(e.workers)+1 == e.failAt {
		return nil, errors.New("spawn failed")
	}
	w := newFakeWorker(s.Index)
	e.workers = append(e.workers, w)
	e.settings = append(e.settings, s)
	return w, nil
}

type fakeRepo struct {
	mu          sync.Mutex
	states      map[string]*domain.CallState
	stateErr    error
	moderators  map[string]bool
	denyJoin    map[string]bool
	moderateErr error
	members     []string
	leaves      []string
	previews    map[string][]string
	softEnded   []string
	endedForAll []string
	statuses    []domain.ServerStatus
	upsertErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		states:     make(map[string]*domain.CallState),
		moderators: make(map[string]bool),
		denyJoin:   make(map[string]bool),
		previews:   make(map[string][]string),
	}
}

func (r *fakeRepo) GetCallState(_ context.Context, callID string) (*domain.CallState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stateErr != nil {
		return nil, r.stateErr
	}
	s, ok := r.states[callID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) setState(s *domain.CallState) {
	r.mu.Lock()
	r.states[s.ID] = s
	r.mu.Unlock()
}

func (r *fakeRepo) InsertCallMember(_ context.Context, callID, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = append(r.members, userID)
	return "member-" + callID + "-" + userID, nil
}

func (r *fakeRepo) CallMemberLeave(_ context.Context, membershipID string) error {
	r.mu.Lock()
	r.leaves = append(r.leaves, membershipID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) UpdateCallPreviewIDs(_ context.Context, callID string, ids []string) error {
	r.mu.Lock()
	r.previews[callID] = slices.Clone(ids)
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) SoftEndCall(_ context.Context, callID string) error {
	r.mu.Lock()
	r.softEnded = append(r.softEnded, callID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) EndCallForEveryone(_ context.Context, callID string) error {
	r.mu.Lock()
	r.endedForAll = append(r.endedForAll, callID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) HasPermissionToModerateCall(_ context.Context, userID, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.moderateErr != nil {
		return false, r.moderateErr
	}
	return r.moderators[userID], nil
}

func (r *fakeRepo) HasPermissionToJoinCall(_ context.Context, userID, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.denyJoin[userID], nil
}

func (r *fakeRepo) UpsertCallServer(_ context.Context, _ string, status domain.ServerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRepo) ResetCallServer(context.Context, string, bool) error { return nil }

func (r *fakeRepo) snapshot() fakeRepo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fakeRepo{
		members:     slices.Clone(r.members),
		leaves:      slices.Clone(r.leaves),
		softEnded:   slices.Clone(r.softEnded),
		endedForAll: slices.Clone(r.endedForAll),
		statuses:    slices.Clone(r.statuses),
	}
}

func (r *fakeRepo) preview(callID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.previews[callID])
}

// fakeAuth accepts the signature "signed:<secret>" for every known device.
type fakeAuth struct {
	devices map[string]string
}

func (a fakeAuth) VerifyDeviceAndGetUserID(_ context.Context, deviceID, secret, signature string) (string, error) {
	userID, ok := a.devices[deviceID]
	if !ok || signature != "signed:"+secret {
		return "", domain.ErrInvalidSignature
	}
	return userID, nil
}

type testRoom struct {
	*Room
	router *fakeRouter
	repo   *fakeRepo
}

func newTestRoom(t *testing.T, callType domain.CallType, creator string, cfg domain.CallConfig) *testRoom {
	t.Helper()
	router := newFakeRouter()
	repo := newFakeRepo()
	room, err := NewRoom(context.Background(), RoomOptions{
		ID:             "room-1",
		CallType:       callType,
		CreatorID:      creator,
		Config:         cfg,
		Router:         router,
		Repo:           repo,
		Auth:           fakeAuth{devices: map[string]string{}},
		Gate:           NewPermissionGate(repo),
		ReactionWindow: 50 * time.Millisecond,
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { room.Close(CloseShutdown) })
	return &testRoom{Room: room, router: router, repo: repo}
}

// connect attaches an authenticated peer.
func (tr *testRoom) connect(t *testing.T, id string) (*Peer, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	p, err := tr.HandleConnection(id, ch)
	require.NoError(t, err)
	p.setAuthenticated()
	return p, ch
}

func (tr *testRoom) do(p *Peer, method string, data any) *fakeResponder {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			panic(err)
		}
		raw = b
	}
	res := &fakeResponder{}
	tr.handleRequest(context.Background(), p, core.Request{ID: 1, Method: method, Data: raw}, res)
	return res
}

func (tr *testRoom) join(t *testing.T, id string) (*Peer, *fakeChannel) {
	t.Helper()
	p, ch := tr.connect(t, id)
	res := tr.do(p, "join", map[string]any{
		"displayName":     id,
		"rtpCapabilities": tr.router.RtpCapabilities(),
	})
	require.NoError(t, res.err)
	require.True(t, res.accepted)
	return p, ch
}

// transport creates a transport for p and returns its fake.
func (tr *testRoom) transport(t *testing.T, p *Peer, producing bool) *fakeTransport {
	t.Helper()
	res := tr.do(p, "createWebRtcTransport", map[string]any{"producing": producing, "consuming": !producing})
	require.NoError(t, res.err)
	id := res.data.(createTransportResponse).ID
	tr.router.mu.Lock()
	defer tr.router.mu.Unlock()
	for _, ft := range tr.router.transports {
		if ft.id == id {
			return ft
		}
	}
	t.Fatalf("transport %s not found", id)
	return nil
}

func (tr *testRoom) produce(t *testing.T, p *Peer, transportID string, kind domain.MediaKind) *fakeResponder {
	t.Helper()
	return tr.do(p, "produce", map[string]any{
		"transportId":   transportID,
		"kind":          kind,
		"rtpParameters": domain.RtpParameters{},
	})
}

func requireCode(t *testing.T, res *fakeResponder, code domain.ErrorCode) {
	t.Helper()
	require.Error(t, res.err)
	require.Equal(t, code, domain.CodeOf(res.err), res.err.Error())
	require.False(t, res.accepted)
}
