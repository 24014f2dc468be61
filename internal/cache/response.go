package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ecotile-bknd/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "ecotile:"

// OpenRedis connects to url (redis://...). An empty url disables the cache
// and returns a nil client.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rc, nil
}

// Responses caches JSON-encoded values in Redis. A nil client turns every
// call into a pass-through; Redis errors are logged and treated as misses.
type Responses struct {
	rc   *redis.Client
	ttl  time.Duration
	logr *zap.Logger
}

func NewResponses(rc *redis.Client, ttl time.Duration, logr *zap.Logger) *Responses {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Responses{rc: rc, ttl: ttl, logr: logr}
}

// Enabled reports whether a Redis client is configured.
func (r *Responses) Enabled() bool { return r != nil && r.rc != nil }

func (r *Responses) get(ctx context.Context, key string, dest any) bool {
	if !r.Enabled() {
		return false
	}
	raw, err := r.rc.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logr.Warn("response cache read failed", zap.String("key", key), zap.Error(err))
		}
		metrics.CacheLookupsTotal.WithLabelValues("response", "miss").Inc()
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		r.logr.Warn("response cache entry undecodable", zap.String("key", key), zap.Error(err))
		return false
	}
	metrics.CacheLookupsTotal.WithLabelValues("response", "hit").Inc()
	return true
}

func (r *Responses) set(ctx context.Context, key string, v any) {
	if !r.Enabled() {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		r.logr.Warn("response cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := r.rc.Set(ctx, keyPrefix+key, raw, r.ttl).Err(); err != nil {
		r.logr.Warn("response cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate removes keys, e.g. after an assignment run changes statistics.
func (r *Responses) Invalidate(ctx context.Context, keys ...string) {
	if !r.Enabled() || len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	if err := r.rc.Del(ctx, full...).Err(); err != nil {
		r.logr.Warn("response cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// Remember returns the cached value for key or computes, stores and returns it.
func Remember[T any](ctx context.Context, r *Responses, key string, compute func(context.Context) (T, error)) (T, error) {
	var cached T
	if r.get(ctx, key, &cached) {
		return cached, nil
	}
	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	r.set(ctx, key, v)
	return v, nil
}
