package database

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"turtle-futures-bot/config"
	"turtle-futures-bot/internal/logging"
	"turtle-futures-bot/internal/strategy"
)

// Redis key layout
const (
	// ContextKeyPrefix prefixes one context key. Format: turtle:context:{symbol}
	ContextKeyPrefix = "turtle:context"

	// ContextSetKey holds the symbols with a stored context
	ContextSetKey = "turtle:contexts"

	// DefaultContextTTL expires contexts that stopped being written
	DefaultContextTTL = 7 * 24 * time.Hour
)

// RedisContextRepository stores contexts in Redis with an in-memory fallback
// used while Redis is unavailable.
type RedisContextRepository struct {
	client         *redis.Client
	ttl            time.Duration
	fallback       *MemoryRepository
	redisAvailable atomic.Bool
	logger         zerolog.Logger
}

// NewRedisClient builds a client from configuration
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// NewRedisContextRepository creates the repository. A nil client runs in
// memory-only mode.
func NewRedisContextRepository(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisContextRepository {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	repo := &RedisContextRepository{
		client:   client,
		ttl:      ttl,
		fallback: NewMemoryRepository(),
		logger:   logging.DatabaseContext(logger, "redis", "contexts"),
	}

	if client == nil {
		repo.logger.Warn().Msg("No Redis client provided, using in-memory cache only")
		return repo
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		repo.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
	} else {
		repo.logger.Info().Msg("Redis connected successfully")
		repo.redisAvailable.Store(true)
	}
	return repo
}

func (r *RedisContextRepository) contextKey(symbol string) string {
	return fmt.Sprintf("%s:%s", ContextKeyPrefix, symbol)
}

func (r *RedisContextRepository) useRedis() bool {
	return r.client != nil && r.redisAvailable.Load()
}

func (r *RedisContextRepository) markUnavailable(err error, op string) {
	if r.redisAvailable.Swap(false) {
		r.logger.Warn().Err(err).Str("op", op).Msg("Redis error, falling back to in-memory cache")
	}
}

// Save writes the context to the cache and, when available, to Redis
func (r *RedisContextRepository) Save(ctx context.Context, sc *strategy.Context) error {
	data, err := encodeContext(sc)
	if err != nil {
		return err
	}
	symbol := sc.Instrument.Symbol
	r.fallback.put(symbol, data)

	if !r.useRedis() {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.contextKey(symbol), data, r.ttl)
	pipe.SAdd(ctx, ContextSetKey, symbol)
	pipe.Expire(ctx, ContextSetKey, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.markUnavailable(err, "save")
		return nil
	}

	r.logger.Debug().Str("instrument", symbol).Str("state", string(sc.State)).Msg("Saved strategy context")
	return nil
}

// Load reads from Redis, falling back to the cache on errors
func (r *RedisContextRepository) Load(ctx context.Context, instrumentID string) (*strategy.Context, error) {
	if !r.useRedis() {
		return r.fallback.Load(ctx, instrumentID)
	}

	data, err := r.client.Get(ctx, r.contextKey(instrumentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return r.fallback.Load(ctx, instrumentID)
	}
	if err != nil {
		r.markUnavailable(err, "load")
		return r.fallback.Load(ctx, instrumentID)
	}

	sc, err := decodeContext(data)
	if err != nil {
		return nil, err
	}
	r.fallback.put(instrumentID, data)
	return sc, nil
}

// Delete removes the context from the cache and Redis
func (r *RedisContextRepository) Delete(ctx context.Context, instrumentID string) error {
	_ = r.fallback.Delete(ctx, instrumentID)

	if !r.useRedis() {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.contextKey(instrumentID))
	pipe.SRem(ctx, ContextSetKey, instrumentID)
	if _, err := pipe.Exec(ctx); err != nil {
		r.markUnavailable(err, "delete")
		return nil
	}

	r.logger.Info().Str("instrument", instrumentID).Msg("Deleted strategy context")
	return nil
}

// List loads every context named in the symbol set
func (r *RedisContextRepository) List(ctx context.Context) ([]*strategy.Context, error) {
	if !r.useRedis() {
		return r.fallback.List(ctx)
	}

	symbols, err := r.client.SMembers(ctx, ContextSetKey).Result()
	if err != nil {
		r.markUnavailable(err, "list")
		return r.fallback.List(ctx)
	}

	list := make([]*strategy.Context, 0, len(symbols))
	for _, symbol := range symbols {
		sc, err := r.Load(ctx, symbol)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			r.logger.Error().Err(err).Str("instrument", symbol).Msg("Failed to load strategy context")
			continue
		}
		list = append(list, sc)
	}
	sortContexts(list)
	return list, nil
}

// IsRedisAvailable reports whether Redis is currently used
func (r *RedisContextRepository) IsRedisAvailable() bool {
	return r.redisAvailable.Load()
}

// CheckRedisConnection pings Redis and, on recovery, pushes cached contexts back
func (r *RedisContextRepository) CheckRedisConnection(ctx context.Context) error {
	if r.client == nil {
		return errors.New("no Redis client configured")
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if !r.redisAvailable.Swap(true) {
		r.logger.Info().Msg("Redis connection recovered")
		return r.syncCacheToRedis(ctx)
	}
	return nil
}

func (r *RedisContextRepository) syncCacheToRedis(ctx context.Context) error {
	cached, err := r.fallback.List(ctx)
	if err != nil {
		return err
	}
	for _, sc := range cached {
		if err := r.Save(ctx, sc); err != nil {
			return err
		}
	}
	if len(cached) > 0 {
		r.logger.Info().Int("count", len(cached)).Msg("Synced cached contexts to Redis")
	}
	return nil
}

func (r *RedisContextRepository) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// HealthCheck reports Redis reachability, resyncing the fallback cache on recovery
func (r *RedisContextRepository) HealthCheck(ctx context.Context) error {
	return r.CheckRedisConnection(ctx)
}
