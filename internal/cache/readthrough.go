// Package cache is a read-through cache over Redis. Entries are written only
// if absent and expire after a short TTL. Every scope carries a generation
// counter that is part of each entry key; invalidation bumps it, so a loader
// that read the durable store before the bump can only publish under a
// generation nobody reads any more.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SirClappington/promptworks/internal/metrics"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Result string

const (
	Hit  Result = "HIT"
	Miss Result = "MISS"
)

// KEYS are generation keys; ARGV holds the matching entry names (empty for
// whole-scope keys) followed by the generation key TTL in milliseconds.
var invalidateScript = r.NewScript(`
local ttl = ARGV[#KEYS + 1]
for i, gk in ipairs(KEYS) do
  local gen = redis.call('GET', gk) or '0'
  if ARGV[i] ~= '' then redis.call('DEL', ARGV[i] .. ':g' .. gen) end
  redis.call('INCR', gk)
  redis.call('PEXPIRE', gk, ttl)
end
return #KEYS`)

type Cache struct {
	rdb         r.UniversalClient
	ttl         time.Duration
	genTTL      time.Duration
	loadTimeout time.Duration
	group       singleflight.Group
	log         *zap.Logger
}

type Option func(*Cache)

func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

// WithGenerationTTL bounds how long an untouched generation counter lives.
// It must stay well above the entry TTL.
func WithGenerationTTL(d time.Duration) Option { return func(c *Cache) { c.genTTL = d } }

// WithLoadTimeout bounds a shared load, which outlives the caller that
// started it.
func WithLoadTimeout(d time.Duration) Option { return func(c *Cache) { c.loadTimeout = d } }

func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.log = l } }

func New(rdb r.UniversalClient, opts ...Option) *Cache {
	c := &Cache{rdb: rdb, ttl: 30 * time.Second, genTTL: 24 * time.Hour, loadTimeout: 10 * time.Second, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(zap.String("component", "cache"))
	return c
}

// Fetch returns the cached value for k, loading and publishing it on a miss.
// Concurrent misses for the same entry share one load. When Redis is
// unavailable Fetch falls back to load and reports a miss.
func Fetch[T any](ctx context.Context, c *Cache, k Key, load func(context.Context) (T, error)) (T, Result, error) {
	gen, err := c.rdb.Get(ctx, genKey(k.Scope)).Int64()
	if err != nil && !errors.Is(err, r.Nil) {
		return degrade(ctx, c, k, err, load)
	}
	entry := entryKey(k.Name, gen)

	s, err := c.rdb.Get(ctx, entry).Result()
	switch {
	case err == nil:
		var v T
		if jerr := json.Unmarshal([]byte(s), &v); jerr == nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return v, Hit, nil
		}
		c.log.Warn("undecodable entry", zap.String("key", entry))
	case !errors.Is(err, r.Nil):
		return degrade(ctx, c, k, err, load)
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	ch := c.group.DoChan(entry, func() (any, error) {
		// The load is shared by every waiter, so it ignores the first caller's cancellation.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			c.log.Warn("encode entry", zap.String("key", entry), zap.Error(err))
			return v, nil
		}
		if err := c.rdb.SetNX(ctx, entry, b, c.ttl).Err(); err != nil {
			c.log.Warn("populate", zap.String("key", entry), zap.Error(err))
		}
		return v, nil
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, Miss, errors.WithStack(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return zero, Miss, res.Err
		}
		return res.Val.(T), Miss, nil
	}
}

func degrade[T any](ctx context.Context, c *Cache, k Key, cause error, load func(context.Context) (T, error)) (T, Result, error) {
	metrics.CacheLookups.WithLabelValues("error").Inc()
	c.log.Warn("cache unavailable, reading through", zap.String("key", k.Name), zap.Error(cause))
	v, err := load(ctx)
	return v, Miss, err
}

// Invalidate drops the current entry of every key and bumps every scope's
// generation in one round trip.
func (c *Cache) Invalidate(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	gens := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		gens[i] = genKey(k.Scope)
		args = append(args, k.Name)
	}
	args = append(args, c.genTTL.Milliseconds())
	return errors.Wrap(invalidateScript.Run(ctx, c.rdb, gens, args...).Err(), "invalidate")
}
