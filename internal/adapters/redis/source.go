// Package redis delivers call updates published on a Redis channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/callserver/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Source is a core.CallUpdateSource over a Redis subscription.
type Source struct {
	rdb     *redis.Client
	pubsub  *redis.PubSub
	channel string
	logger  zerolog.Logger
}

// Channel is the pub/sub channel of the call server registered under url.
func Channel(url string) string { return "callserver:" + url + ":callupdate" }

// NewSource connects, verifies connectivity and subscribes to the channel of url.
func NewSource(ctx context.Context, opts Options, url string) (*Source, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	channel := Channel(url)
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	s := &Source{
		rdb:     rdb,
		pubsub:  pubsub,
		channel: channel,
		logger:  log.With().Str("module", "adapters.redis").Str("channel", channel).Logger(),
	}
	s.logger.Info().Str("addr", opts.Addr).Msg("subscribed to call updates")
	return s, nil
}

func (s *Source) Receive(ctx context.Context) (domain.CallUpdate, error) {
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.CallUpdate{}, ctxErr
			}
			return domain.CallUpdate{}, fmt.Errorf("receive: %w", err)
		}
		var u domain.CallUpdate
		if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
			s.logger.Warn().Err(err).Msg("bad call update payload")
			continue
		}
		return u, nil
	}
}

// Ping goes through the subscription connection, not the client pool.
func (s *Source) Ping(ctx context.Context) error {
	return s.pubsub.Ping(ctx)
}

func (s *Source) Close() error {
	err := s.pubsub.Close()
	if cerr := s.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}
