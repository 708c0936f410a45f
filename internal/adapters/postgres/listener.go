package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/callserver/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Listener is a core.CallUpdateSource fed by NOTIFY on the channel of this
// call server. It holds one pool connection for its whole life.
type Listener struct {
	conn    *pgxpool.Conn
	channel string
	logger  zerolog.Logger
}

// ChannelName is the notification channel of the call server with id serverID.
func ChannelName(serverID string) string {
	return "callservercallupdate_" + strings.ReplaceAll(serverID, "-", "_")
}

// Listen resolves the id of the call server registered under url and
// subscribes to its channel.
func Listen(ctx context.Context, pool *pgxpool.Pool, url string) (*Listener, error) {
	var serverID string
	err := pool.QueryRow(ctx, `SELECT id::text FROM callservers WHERE url = $1`, url).Scan(&serverID)
	if err != nil {
		return nil, fmt.Errorf("call server id for %s: %w", url, notFound(err, "call server"))
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	channel := ChannelName(serverID)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	l := &Listener{
		conn:    conn,
		channel: channel,
		logger:  log.With().Str("module", "adapters.postgres").Str("channel", channel).Logger(),
	}
	l.logger.Info().Msg("listening for call updates")
	return l, nil
}

// Receive skips payloads that do not decode.
func (l *Listener) Receive(ctx context.Context) (domain.CallUpdate, error) {
	for {
		n, err := l.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.CallUpdate{}, ctxErr
			}
			return domain.CallUpdate{}, fmt.Errorf("wait for notification: %w", err)
		}
		if n.Payload == "" {
			continue
		}
		u, err := decodeUpdate(l.channel, []byte(n.Payload))
		if err != nil {
			l.logger.Warn().Err(err).Str("payload", n.Payload).Msg("bad call update payload")
			continue
		}
		return u, nil
	}
}

// decodeUpdate accepts the channel name as an alias of the callUpdate type.
func decodeUpdate(channel string, payload []byte) (domain.CallUpdate, error) {
	var u domain.CallUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return u, err
	}
	if u.Type == channel {
		u.Type = domain.CallUpdateType
	}
	if u.Type != domain.CallUpdateType {
		return u, errors.New("unknown change event type " + u.Type)
	}
	return u, nil
}

func (l *Listener) Ping(ctx context.Context) error {
	_, err := l.conn.Exec(ctx, "SELECT 1")
	return err
}

func (l *Listener) Close() error {
	l.conn.Release()
	return nil
}
