package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type ChannelOptions struct {
	SendBuffer int
	// PingPeriod of zero disables keepalive pings.
	PingPeriod time.Duration
}

// Channel is a request/response and notification channel over one WebSocket.
// It implements core.PeerChannel.
type Channel struct {
	conn   WSConn
	send   chan []byte
	opts   ChannelOptions
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	nextID    atomic.Uint32
	pendingMu sync.Mutex
	pending   map[uint32]chan message
}

func NewChannel(conn WSConn, peerID string, opts ChannelOptions) *Channel {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Channel{
		conn:    conn,
		send:    make(chan []byte, opts.SendBuffer),
		opts:    opts,
		logger:  log.With().Str("module", "signal").Str("peer_id", peerID).Logger(),
		done:    make(chan struct{}),
		pending: make(map[uint32]chan message),
	}
}

func (c *Channel) trySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	select {
	case c.send <- b:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *Channel) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.trySend(b)
}

func (c *Channel) Notify(method string, data any) error {
	return c.sendJSON(notificationFrame{Notification: true, Method: method, Data: data})
}

// Request sends a server initiated request and waits for the matching response.
func (c *Channel) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.sendJSON(requestFrame{Request: true, ID: id, Method: method, Data: data}); err != nil {
		return nil, err
	}
	select {
	case m := <-ch:
		if !m.OK {
			return nil, &RemoteError{Code: m.ErrorCode, Name: m.ErrorName, Reason: m.ErrorReason}
		}
		return m.Data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", method, ctx.Err())
	case <-c.done:
		return nil, core.ErrChannelClosed
	}
}

func (c *Channel) resolve(m message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[m.ID]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug().Uint32("id", m.ID).Msg("response for unknown request")
		return
	}
	select {
	case ch <- m:
	default:
	}
}

func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Serve pumps the connection until it closes. Requests are dispatched to h
// one at a time in arrival order; h.Disconnected runs once at the end.
func (c *Channel) Serve(ctx context.Context, h core.RequestHandler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	requests := make(chan core.Request, c.opts.SendBuffer)
	var worker sync.WaitGroup
	worker.Add(1)
	go func() {
		defer worker.Done()
		for req := range requests {
			h.HandleRequest(ctx, req, &responder{ch: c, id: req.ID, method: req.Method})
		}
	}()
	go c.writePump(ctx)

	c.readPump(ctx, requests)
	close(requests)
	c.Close()
	cancel()
	worker.Wait()
	h.Disconnected()
}

func (c *Channel) readPump(ctx context.Context, requests chan<- core.Request) {
	if c.opts.PingPeriod > 0 {
		pongWait := c.opts.PingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("readPump closing")
			return
		}
		m, err := parseMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad message")
			continue
		}
		switch {
		case m.Request:
			select {
			case requests <- core.Request{ID: m.ID, Method: m.Method, Data: m.Data}:
			case <-ctx.Done():
				return
			}
		case m.Response:
			c.resolve(m)
		case m.Notification:
			c.logger.Debug().Str("method", m.Method).Msg("ignoring client notification")
		}
	}
}

func (c *Channel) writePump(ctx context.Context) {
	var ping <-chan time.Time
	if c.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("writePump write error")
				return
			}
		case <-ping:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

// responder answers one client request. Only the first answer is sent.
type responder struct {
	ch     *Channel
	id     uint32
	method string
	once   sync.Once
}

func (r *responder) Accept(data any) {
	r.once.Do(func() {
		if data == nil {
			data = struct{}{}
		}
		if err := r.ch.sendJSON(successFrame{Response: true, ID: r.id, OK: true, Data: data}); err != nil {
			r.ch.logger.Warn().Err(err).Str("method", r.method).Msg("response dropped")
		}
	})
}

func (r *responder) Reject(err error) {
	r.once.Do(func() {
		code := domain.CodeOf(err)
		frame := errorFrame{
			Response:    true,
			ID:          r.id,
			ErrorCode:   domain.Status(code),
			ErrorName:   string(code),
			ErrorReason: err.Error(),
		}
		if sendErr := r.ch.sendJSON(frame); sendErr != nil {
			r.ch.logger.Warn().Err(sendErr).Str("method", r.method).Msg("rejection dropped")
		}
	})
}
