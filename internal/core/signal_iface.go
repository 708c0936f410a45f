package core

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrBackpressure  = errors.New("backpressure")
	ErrChannelClosed = errors.New("channel closed")
)

// PeerChannel is the persistent signaling link to one peer.
// Owned by the adapter; the adapter must Close() it.
type PeerChannel interface {
	// Notify queues a server push; it never blocks and fails with
	// ErrBackpressure when the outbound queue is full.
	Notify(method string, data any) error
	// Request sends a server-initiated request and waits for the answer.
	Request(ctx context.Context, method string, data any) (json.RawMessage, error)
	Close()
	Done() <-chan struct{}
}

// Request is a client-initiated request.
type Request struct {
	ID     uint32
	Method string
	Data   json.RawMessage
}

// Responder answers exactly one request; later calls are ignored.
type Responder interface {
	Accept(data any)
	Reject(err error)
}

// RequestHandler is what a channel dispatches into. Requests of one channel
// are handled one at a time in arrival order.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req Request, res Responder)
	// Disconnected is called once after the channel stopped reading.
	Disconnected()
}
