package app

import (
	"context"
	"fmt"

	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
)

// PermissionGate answers moderation and join questions. The call creator
// passes every check without touching the store.
type PermissionGate struct {
	repo core.CallRepository
}

func NewPermissionGate(repo core.CallRepository) *PermissionGate {
	return &PermissionGate{repo: repo}
}

// CanModerate returns nil when userID may moderate callID, ErrNotAllowed when
// the store says no, and the wrapped store error otherwise.
func (g *PermissionGate) CanModerate(ctx context.Context, userID, callID, creatorID string) error {
	if userID == creatorID {
		return nil
	}
	ok, err := g.repo.HasPermissionToModerateCall(ctx, userID, callID)
	if err != nil {
		return fmt.Errorf("moderate permission of %s: %w", userID, err)
	}
	if !ok {
		return domain.Errorf(domain.CodeNotAllowed, "%s may not moderate this call", userID)
	}
	return nil
}

func (g *PermissionGate) CanJoin(ctx context.Context, userID, callID, creatorID string) error {
	if userID == creatorID {
		return nil
	}
	ok, err := g.repo.HasPermissionToJoinCall(ctx, userID, callID)
	if err != nil {
		return fmt.Errorf("join permission of %s: %w", userID, err)
	}
	if !ok {
		return domain.Errorf(domain.CodeNotAllowed, "%s may not join this call", userID)
	}
	return nil
}
