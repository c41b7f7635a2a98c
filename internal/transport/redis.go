package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaywoot/internal/wire"
	"github.com/agentworkforce/relaywoot/internal/woot"
)

const redisChannelPrefix = "woot:"

// RedisBroadcaster relays patches between sites through Redis pub/sub. Each
// page has its own channel.
type RedisBroadcaster struct {
	client   *redis.Client
	siteID   string
	receiver Receiver
	logger   zerolog.Logger
}

func NewRedisBroadcaster(url, siteID string, receiver Receiver, logger zerolog.Logger) (*RedisBroadcaster, error) {
	if siteID == "" {
		return nil, errors.New("redis broadcaster site id is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBroadcaster{
		client:   redis.NewClient(opts),
		siteID:   siteID,
		receiver: receiver,
		logger:   logger.With().Str("component", "redis").Logger(),
	}, nil
}

func RedisChannel(pageID string) string {
	return redisChannelPrefix + pageID
}

func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroadcaster) Publish(ctx context.Context, patch woot.Patch) error {
	payload, err := wire.EncodeEnvelope(b.siteID, patch)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, RedisChannel(patch.PageID), payload).Err()
}

// Run consumes every page channel until ctx is done. Messages published by
// this site are ignored.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	if b.receiver == nil {
		return errors.New("redis broadcaster has no receiver")
	}
	pubsub := b.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *RedisBroadcaster) handle(ctx context.Context, msg *redis.Message) {
	env, err := wire.DecodeEnvelope([]byte(msg.Payload))
	if err != nil {
		b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("malformed redis message")
		return
	}
	if env.Origin == b.siteID {
		return
	}
	if page := strings.TrimPrefix(msg.Channel, redisChannelPrefix); page != env.Patch.PageID {
		b.logger.Warn().Str("channel", msg.Channel).Str("page_id", env.Patch.PageID).Msg("patch published on foreign page channel")
	}
	if _, err := b.receiver.Receive(ctx, env.Origin, env.Patch); err != nil {
		b.logger.Warn().Err(err).Str("origin", env.Origin).Msg("redis patch partially rejected")
	}
}

func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
