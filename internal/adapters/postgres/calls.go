package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/callserver/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Calls implements core.CallRepository.
type Calls struct {
	pool *pgxpool.Pool
}

func NewCalls(pool *pgxpool.Pool) *Calls {
	return &Calls{pool: pool}
}

func (c *Calls) GetCallState(ctx context.Context, callID string) (*domain.CallState, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE("callCreator"::text, ''), slots, COALESCE("stageSlots", 0),
		       "audioOnly", "highQuality", "endedAt", "scheduleDate"
		FROM calls
		WHERE id = $1
	`, callID)

	var s domain.CallState
	var endedAt, scheduleDate *time.Time
	if err := row.Scan(&s.ID, &s.CreatorID, &s.Slots, &s.StageSlots, &s.AudioOnly, &s.HighQuality, &endedAt, &scheduleDate); err != nil {
		return nil, fmt.Errorf("get call state %s: %w", callID, notFound(err, "call"))
	}
	s.EndedAt = endedAt
	s.ScheduleDate = scheduleDate
	return &s, nil
}

func (c *Calls) InsertCallMember(ctx context.Context, callID, userID string) (string, error) {
	var id string
	err := c.pool.QueryRow(ctx, `
		INSERT INTO callmembers ("callId", "userId")
		VALUES ($1, $2)
		RETURNING id::text
	`, callID, userID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert call member: %w", err)
	}
	return id, nil
}

func (c *Calls) CallMemberLeave(ctx context.Context, membershipID string) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE callmembers
		SET "leftAt" = NOW()
		WHERE id = $1::uuid
	`, membershipID)
	if err != nil {
		return fmt.Errorf("call member leave: %w", err)
	}
	return nil
}

func (c *Calls) UpdateCallPreviewIDs(ctx context.Context, callID string, userIDs []string) error {
	if userIDs == nil {
		userIDs = []string{}
	}
	_, err := c.pool.Exec(ctx, `
		UPDATE calls
		SET "previewUserIds" = $2::text[]::uuid[], "updatedAt" = NOW()
		WHERE id = $1
	`, callID, userIDs)
	if err != nil {
		return fmt.Errorf("update preview ids: %w", err)
	}
	return nil
}

// SoftEndCall closes all memberships and ends the call unless it is scheduled.
func (c *Calls) SoftEndCall(ctx context.Context, callID string) error {
	return c.endCall(ctx, callID, `
		UPDATE calls
		SET "endedAt" = NOW(), "updatedAt" = NOW()
		WHERE id = $1 AND "scheduleDate" IS NULL
	`)
}

func (c *Calls) EndCallForEveryone(ctx context.Context, callID string) error {
	return c.endCall(ctx, callID, `
		UPDATE calls
		SET "endedAt" = NOW(), "updatedAt" = NOW()
		WHERE id = $1
	`)
}

func (c *Calls) endCall(ctx context.Context, callID, endQuery string) error {
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE callmembers
			SET "leftAt" = COALESCE("leftAt", NOW())
			WHERE "callId" = $1
		`, callID); err != nil {
			return fmt.Errorf("close memberships of %s: %w", callID, err)
		}
		if _, err := tx.Exec(ctx, endQuery, callID); err != nil {
			return fmt.Errorf("end call %s: %w", callID, err)
		}
		return nil
	})
}

func (c *Calls) HasPermissionToModerateCall(ctx context.Context, userID, callID string) (bool, error) {
	return c.hasPermission(ctx, `
		SELECT COALESCE(SUM("count"), 0) > 0 FROM (
			SELECT COUNT(*) AS "count"
			FROM roles_users_users ruu
			INNER JOIN roles r
				ON r.id = ruu."roleId" AND r."deletedAt" IS NULL
			INNER JOIN callpermissions cp
				ON cp."roleId" = r.id AND cp."callId" = $2
				AND cp.permissions @> ARRAY['CALL_MODERATE']::"public"."callpermissions_permissions_enum"[]
			WHERE ruu."userId" = $1 AND ruu.claimed = TRUE
			UNION ALL
			SELECT COUNT(*) AS "count"
			FROM roles_users_users ruu
			INNER JOIN roles r
				ON r.id = ruu."roleId" AND r."deletedAt" IS NULL
				AND r.permissions @> ARRAY['WEBRTC_MODERATE']::"public"."roles_permissions_enum"[]
			WHERE ruu."userId" = $1 AND ruu.claimed = TRUE
		) AS counts
	`, userID, callID)
}

func (c *Calls) HasPermissionToJoinCall(ctx context.Context, userID, callID string) (bool, error) {
	return c.hasPermission(ctx, `
		SELECT COUNT(*) > 0
		FROM roles_users_users ruu
		INNER JOIN roles r
			ON r.id = ruu."roleId" AND r."deletedAt" IS NULL
		INNER JOIN callpermissions cp
			ON cp."roleId" = r.id AND cp."callId" = $2
			AND cp.permissions @> ARRAY['CALL_JOIN']::"public"."callpermissions_permissions_enum"[]
		WHERE ruu."userId" = $1 AND ruu.claimed = TRUE
	`, userID, callID)
}

func (c *Calls) hasPermission(ctx context.Context, query, userID, callID string) (bool, error) {
	var ok bool
	if err := c.pool.QueryRow(ctx, query, userID, callID).Scan(&ok); err != nil {
		return false, fmt.Errorf("permission query: %w", err)
	}
	return ok, nil
}

func (c *Calls) UpsertCallServer(ctx context.Context, url string, status domain.ServerStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO callservers (status, url)
		VALUES ($1::jsonb, $2)
		ON CONFLICT (url) DO UPDATE
		SET status = EXCLUDED.status, "updatedAt" = NOW(), "deletedAt" = NULL
	`, string(raw), url)
	if err != nil {
		return fmt.Errorf("upsert call server %s: %w", url, err)
	}
	return nil
}

// ResetCallServer zeroes the server status, ends every call still bound to it
// and closes their memberships in one statement.
func (c *Calls) ResetCallServer(ctx context.Context, url string, deleted bool) error {
	_, err := c.pool.Exec(ctx, `
		WITH update_callserver AS (
			UPDATE callservers
			SET "updatedAt" = NOW(),
			    status = '{"ongoingCalls":0}'::jsonb,
			    "deletedAt" = CASE WHEN $2::boolean THEN NOW() ELSE NULL END
			WHERE url = $1
			RETURNING id
		), ended_calls AS (
			UPDATE calls c
			SET "endedAt" = NOW(), "updatedAt" = NOW(), "previewUserIds" = ARRAY[]::uuid[]
			WHERE c."callServerId" = (SELECT id FROM update_callserver) AND c."endedAt" IS NULL
			RETURNING c.id
		)
		UPDATE callmembers
		SET "leftAt" = COALESCE("leftAt", NOW())
		WHERE "callId" = ANY(SELECT id FROM ended_calls)
	`, url, deleted)
	if err != nil {
		return fmt.Errorf("reset call server %s: %w", url, err)
	}
	return nil
}
