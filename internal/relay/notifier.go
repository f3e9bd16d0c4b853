package relay

import (
	"context"
	"fmt"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisNotifier fans change notifications out over Redis pub/sub so that
// several relay servers can share one Redis store.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisNotifier(rdb *redis.Client, prefix string, logger zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{
		rdb:     rdb,
		channel: prefix + "updates",
		log:     logger.With().Str("component", "notifier").Logger(),
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, rec call.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return n.rdb.Publish(ctx, n.channel, data).Err()
}

func (n *RedisNotifier) Listen(ctx context.Context, fn func(call.Record)) error {
	ps := n.rdb.Subscribe(ctx, n.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: pubsub closed", call.ErrRelayUnavailable)
			}
			var rec call.Record
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				n.log.Warn().Err(err).Msg("bad notification")
				continue
			}
			fn(rec)
		}
	}
}
