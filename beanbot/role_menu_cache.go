package beanbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

var redisConnectTimeout = 5 * time.Second

// menuNameCache caches SearchByPrefix results per guild and prefix.
//
// Each guild has a generation, which Invalidate bumps. Results are
// stored under the generation that was current before the store was
// read, so results read before a change can't outlive it.
type menuNameCache interface {
	Generation(ctx context.Context, guildID string) (int64, error)

	// Get returns the names cached for the prefix under gen, and false
	// if there are none.
	Get(ctx context.Context, guildID string, gen int64, prefixKey string) ([]string, bool, error)
	Set(ctx context.Context, guildID string, gen int64, prefixKey string, names []string) error

	// Invalidate drops every cached result for the guild
	Invalidate(ctx context.Context, guildID string) error
	Close() error
}

// RedisCacheOption is a functional option for configuring the Redis cache.
type RedisCacheOption func(*redisNameCache)

// WithNamespace sets the key namespace prefix for Redis keys.
func WithNamespace(ns string) RedisCacheOption {
	return func(c *redisNameCache) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithTTL sets how long a guild's cached results are kept.
func WithTTL(ttl time.Duration) RedisCacheOption {
	return func(c *redisNameCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// redisNameCache keeps a counter per guild at <ns>:role_menus:<guild>:gen,
// and each generation's results in a hash at <ns>:role_menus:<guild>:<gen>,
// keyed by prefix. Superseded hashes are left to expire.
type redisNameCache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// newRedisNameCache connects to the Redis server described by cfg.
func newRedisNameCache(cfg RedisConfig, opts ...RedisCacheOption) (*redisNameCache, error) {
	var redisOpts *redis.Options
	if cfg.URL != "" {
		var err error
		redisOpts, err = redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
	} else {
		redisOpts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	c := &redisNameCache{
		client:    redis.NewClient(redisOpts),
		namespace: "beanbot",
		ttl:       10 * time.Minute,
	}
	opts = append([]RedisCacheOption{WithNamespace(cfg.Namespace), WithTTL(cfg.TTL)}, opts...)
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return c, nil
}

func (c *redisNameCache) genKey(guildID string) string {
	return c.namespace + ":role_menus:" + guildID + ":gen"
}

func (c *redisNameCache) namesKey(guildID string, gen int64) string {
	return c.namespace + ":role_menus:" + guildID + ":" + strconv.FormatInt(gen, 10)
}

func (c *redisNameCache) Generation(ctx context.Context, guildID string) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(guildID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *redisNameCache) Get(
	ctx context.Context,
	guildID string,
	gen int64,
	prefixKey string,
) ([]string, bool, error) {
	data, err := c.client.HGet(ctx, c.namesKey(guildID, gen), prefixKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var names []string
	if err = json.Unmarshal(data, &names); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return names, true, nil
}

func (c *redisNameCache) Set(
	ctx context.Context,
	guildID string,
	gen int64,
	prefixKey string,
	names []string,
) error {
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	key := c.namesKey(guildID, gen)
	_, err = c.client.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, prefixKey, data)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		},
	)
	return err
}

// Invalidate bumps the guild's generation. The counter outlives any hash
// written under the generation it replaced, so an expired counter can't
// bring back stale results.
func (c *redisNameCache) Invalidate(ctx context.Context, guildID string) error {
	key := c.genKey(guildID)
	_, err := c.client.TxPipelined(
		ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, 2*c.ttl)
			return nil
		},
	)
	return err
}

func (c *redisNameCache) Close() error {
	return c.client.Close()
}

// cachedMenuStore serves SearchByPrefix from a menuNameCache, and
// invalidates a guild's cached results whenever one of its menus is
// created, renamed or deleted. Cache failures fall back to the
// underlying store.
type cachedMenuStore struct {
	MenuStore
	cache  menuNameCache
	logger *slog.Logger
}

func newCachedMenuStore(store MenuStore, cache menuNameCache, logger *slog.Logger) *cachedMenuStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &cachedMenuStore{
		MenuStore: store,
		cache:     cache,
		logger:    logger.With(loggerNameKey, "menu_cache"),
	}
}

func (s *cachedMenuStore) SearchByPrefix(
	ctx context.Context,
	guildID, partial string,
) ([]string, error) {
	prefixKey := roleMenuNameKey(partial)

	// the generation has to be read before the store, so a change that
	// lands during the read leaves these results behind
	gen, err := s.cache.Generation(ctx, guildID)
	if err != nil {
		s.logger.WarnContext(ctx, "error reading menu name cache", "guild_id", guildID, tint.Err(err))
		return s.MenuStore.SearchByPrefix(ctx, guildID, partial)
	}

	names, ok, err := s.cache.Get(ctx, guildID, gen, prefixKey)
	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "error reading menu name cache", "guild_id", guildID, tint.Err(err))
	case ok:
		return names, nil
	}

	names, err = s.MenuStore.SearchByPrefix(ctx, guildID, partial)
	if err != nil {
		return nil, err
	}
	if err = s.cache.Set(ctx, guildID, gen, prefixKey, names); err != nil {
		s.logger.WarnContext(ctx, "error writing menu name cache", "guild_id", guildID, tint.Err(err))
	}
	return names, nil
}

func (s *cachedMenuStore) Create(ctx context.Context, menu *RoleMenu) error {
	err := s.MenuStore.Create(ctx, menu)
	if err == nil {
		s.invalidate(ctx, menu.GuildID)
	}
	return err
}

func (s *cachedMenuStore) Delete(ctx context.Context, guildID, name string) (int64, error) {
	n, err := s.MenuStore.Delete(ctx, guildID, name)
	if n > 0 {
		s.invalidate(ctx, guildID)
	}
	return n, err
}

func (s *cachedMenuStore) Rename(ctx context.Context, guildID, from, to string) (int64, error) {
	n, err := s.MenuStore.Rename(ctx, guildID, from, to)
	if n > 0 {
		s.invalidate(ctx, guildID)
	}
	return n, err
}

func (s *cachedMenuStore) invalidate(ctx context.Context, guildID string) {
	if err := s.cache.Invalidate(ctx, guildID); err != nil {
		s.logger.ErrorContext(ctx, "error invalidating menu name cache", "guild_id", guildID, tint.Err(err))
	}
}
