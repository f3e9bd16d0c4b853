package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/redis/go-redis/v9"
)

// RedisConfig controls the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	// RecordTTL expires call records; finished calls are only kept for history.
	RecordTTL time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.Prefix == "" {
		out.Prefix = "peercall:"
	}
	if out.RecordTTL <= 0 {
		out.RecordTTL = 24 * time.Hour
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Redis stores each record as JSON under its own key, with sorted sets per
// receiver and per caller for listing.
type Redis struct {
	rdb *redis.Client
	cfg RedisConfig
	now func() time.Time
}

const redisApplyAttempts = 8

func NewRedis(rdb *redis.Client, cfg RedisConfig) *Redis {
	return &Redis{rdb: rdb, cfg: cfg.withDefaults(), now: time.Now}
}

// Prefix is the key namespace shared with notifiers on the same instance.
func (r *Redis) Prefix() string { return r.cfg.Prefix }

func (r *Redis) callKey(id string) string     { return r.cfg.Prefix + "call:" + id }
func (r *Redis) receiverKey(id string) string { return r.cfg.Prefix + "receiver:" + id }
func (r *Redis) callerKey(id string) string   { return r.cfg.Prefix + "caller:" + id }

// Apply uses WATCH on the record key so concurrent writers retry against the
// newer record instead of overwriting it.
func (r *Redis) Apply(ctx context.Context, callID string, p call.Patch) (call.Record, error) {
	key := r.callKey(callID)
	var out call.Record

	txf := func(tx *redis.Tx) error {
		cur, err := r.read(ctx, tx, key)
		if err != nil && !errors.Is(err, call.ErrNotFound) {
			return err
		}
		rec, err := call.ApplyPatch(cur, callID, p, r.now().UTC())
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.cfg.RecordTTL)
			if cur == nil {
				score := float64(rec.CreatedAt.UnixNano())
				pipe.ZAdd(ctx, r.receiverKey(rec.ReceiverID), redis.Z{Score: score, Member: callID})
				pipe.ZAdd(ctx, r.callerKey(rec.CallerID), redis.Z{Score: score, Member: callID})
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}

	for i := 0; i < redisApplyAttempts; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return call.Record{}, mapRedisErr(err)
	}
	return call.Record{}, fmt.Errorf("%w: %s contended", call.ErrRelayUnavailable, callID)
}

func (r *Redis) Get(ctx context.Context, callID string) (call.Record, error) {
	rec, err := r.read(ctx, r.rdb, r.callKey(callID))
	if err != nil {
		return call.Record{}, err
	}
	return *rec, nil
}

// List reads from the receiver or caller index when the filter names one.
// A bare call-id filter is a Get; an empty filter is not supported here.
func (r *Redis) List(ctx context.Context, f call.Filter, limit int) ([]call.Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if f.CallID != "" {
		rec, err := r.Get(ctx, f.CallID)
		if errors.Is(err, call.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !f.Match(rec) {
			return nil, nil
		}
		return []call.Record{rec}, nil
	}

	var index string
	switch {
	case f.ReceiverID != "":
		index = r.receiverKey(f.ReceiverID)
	case f.CallerID != "":
		index = r.callerKey(f.CallerID)
	default:
		return nil, fmt.Errorf("%w: redis list needs a receiver or caller", call.ErrInvalidPatch)
	}

	ids, err := r.rdb.ZRevRange(ctx, index, 0, int64(limit)*2).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	var out []call.Record
	var stale []any
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, call.ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Match(rec) {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	if len(stale) > 0 {
		// Expired records leave their index entries behind.
		r.rdb.ZRem(ctx, index, stale...)
	}
	return out, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) read(ctx context.Context, c stringGetter, key string) (*call.Record, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", call.ErrNotFound, key)
	}
	if err != nil {
		return nil, mapRedisErr(err)
	}
	var rec call.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// mapRedisErr keeps call errors as they are and turns everything else into a
// transient relay failure.
func mapRedisErr(err error) error {
	for _, known := range []error{call.ErrPublishConflict, call.ErrIllegalTransition, call.ErrInvalidPatch, call.ErrNotFound} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", call.ErrRelayUnavailable, err)
}
