package core

import (
	"context"

	"github.com/dkeye/callserver/internal/domain"
)

// CallRepository is the durable store of calls, memberships and servers.
type CallRepository interface {
	// GetCallState returns domain.ErrNotFound when the call has no row.
	GetCallState(ctx context.Context, callID string) (*domain.CallState, error)
	InsertCallMember(ctx context.Context, callID, userID string) (string, error)
	CallMemberLeave(ctx context.Context, membershipID string) error
	UpdateCallPreviewIDs(ctx context.Context, callID string, userIDs []string) error
	SoftEndCall(ctx context.Context, callID string) error
	EndCallForEveryone(ctx context.Context, callID string) error
	HasPermissionToModerateCall(ctx context.Context, userID, callID string) (bool, error)
	HasPermissionToJoinCall(ctx context.Context, userID, callID string) (bool, error)
	UpsertCallServer(ctx context.Context, url string, status domain.ServerStatus) error
	// ResetCallServer ends every call still bound to url.
	ResetCallServer(ctx context.Context, url string, deleted bool) error
}

type DeviceAuth interface {
	// VerifyDeviceAndGetUserID checks signature over secret with the device key
	// and returns the owning user. A bad signature is domain.ErrInvalidSignature.
	VerifyDeviceAndGetUserID(ctx context.Context, deviceID, secret, signature string) (string, error)
}

// CallUpdateSource delivers call updates addressed to this server.
// It is driven from a single goroutine.
type CallUpdateSource interface {
	// Receive blocks until the next update or until ctx is done.
	Receive(ctx context.Context) (domain.CallUpdate, error)
	// Ping proves the subscription is still alive.
	Ping(ctx context.Context) error
	Close() error
}

// TrafficSampler returns a monotonically growing byte counter of the host.
type TrafficSampler interface {
	Sample() (uint64, error)
}
