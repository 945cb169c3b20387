package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"alpaca-trading-bot/config"
	"alpaca-trading-bot/internal/database"
	"alpaca-trading-bot/internal/logging"
)

// ErrCacheMiss is returned when the key is absent or the cache is degraded
var ErrCacheMiss = errors.New("cache miss")

// failureThreshold consecutive Redis errors put the cache into degraded
// mode; after degradedCooldown it is probed again.
const (
	failureThreshold = 5
	degradedCooldown = 30 * time.Second
)

// MetricsCache is a short-TTL Redis cache for risk-metric snapshots served
// to dashboard polling. The trading path never reads from it; cycles always
// compute fresh metrics. Redis being down degrades reads to misses instead
// of failing requests.
type MetricsCache struct {
	client   *redis.Client
	ttl      time.Duration
	log      *logging.Logger
	failures atomic.Int32
	downTil  atomic.Int64 // unix nanos; zero when healthy
}

// New connects to Redis. A nil cache is returned when Redis is disabled;
// all methods are nil-safe and behave like a permanent miss.
func New(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*MetricsCache, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &MetricsCache{
		client: client,
		ttl:    ttl,
		log:    logging.WithComponent("cache"),
	}, nil
}

// Close releases the Redis connection pool
func (c *MetricsCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func metricsKey(userID string) string {
	return "risk_metrics:" + userID
}

// GetRiskMetrics returns the cached snapshot or ErrCacheMiss
func (c *MetricsCache) GetRiskMetrics(ctx context.Context, userID string) (*database.RiskMetrics, error) {
	if c == nil || c.degraded() {
		return nil, ErrCacheMiss
	}

	raw, err := c.client.Get(ctx, metricsKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.recordSuccess()
		return nil, ErrCacheMiss
	}
	if err != nil {
		c.recordFailure(err)
		return nil, ErrCacheMiss
	}
	c.recordSuccess()

	var m database.RiskMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		// poisoned entry; drop it rather than serve garbage
		c.client.Del(ctx, metricsKey(userID))
		return nil, ErrCacheMiss
	}
	return &m, nil
}

// SetRiskMetrics stores a snapshot with the configured TTL. Failures are
// logged and swallowed; the cache is an optimization, never a dependency.
func (c *MetricsCache) SetRiskMetrics(ctx context.Context, userID string, m *database.RiskMetrics) {
	if c == nil || c.degraded() {
		return
	}

	raw, err := json.Marshal(m)
	if err != nil {
		c.log.Error("failed to encode risk metrics", "user_id", userID, "error", err)
		return
	}
	if err := c.client.Set(ctx, metricsKey(userID), raw, c.ttl).Err(); err != nil {
		c.recordFailure(err)
		return
	}
	c.recordSuccess()
}

// Invalidate drops the user's cached snapshot, e.g. after an emergency stop
func (c *MetricsCache) Invalidate(ctx context.Context, userID string) {
	if c == nil || c.degraded() {
		return
	}
	if err := c.client.Del(ctx, metricsKey(userID)).Err(); err != nil {
		c.recordFailure(err)
	}
}

func (c *MetricsCache) degraded() bool {
	until := c.downTil.Load()
	if until == 0 {
		return false
	}
	if time.Now().UnixNano() > until {
		// cooldown over; allow a probe
		c.downTil.Store(0)
		c.failures.Store(0)
		return false
	}
	return true
}

func (c *MetricsCache) recordFailure(err error) {
	n := c.failures.Add(1)
	if n >= failureThreshold {
		c.downTil.Store(time.Now().Add(degradedCooldown).UnixNano())
		c.log.Warn("redis degraded, serving misses", "consecutive_failures", n, "cooldown", degradedCooldown.String(), "error", err)
	}
}

func (c *MetricsCache) recordSuccess() {
	c.failures.Store(0)
}
