package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"
	"ratewatch/internal/logging"

	redis "github.com/redis/go-redis/v9"
)

const redisOpTimeout = 250 * time.Millisecond

// windowScript increments the counter and bounds its TTL by the window length
// in one round trip. A key left without TTL or with a longer TTL gets the window.
// Returns: {count, ttl ms}.
var windowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local window = tonumber(ARGV[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 or ttl > window then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
return {count, ttl}
`)

// Redis enforces quotas as fixed windows shared through Redis counters.
// Redis errors fail open.
type Redis struct {
	client  *redis.Client
	prefix  string
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedis connects shared-counter enforcer.
// Params: redis settings, key prefix, clock, and logger.
// Returns: enforcer after a successful ping or connection error.
func NewRedis(cfg config.RedisEnforceConfig, prefix string, clk clock.Clock, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return newRedisWithClient(client, prefix, clk, logger), nil
}

func newRedisWithClient(client *redis.Client, prefix string, clk clock.Clock, logger *slog.Logger) *Redis {
	return &Redis{
		client:  client,
		prefix:  prefix,
		clock:   clock.OrReal(clk),
		logger:  logging.Component(logger, "enforce.redis"),
		timeout: redisOpTimeout,
	}
}

// Allow increments key's counter for the quota window.
// A changed window length keeps the count and can only shorten the remaining TTL.
func (r *Redis) Allow(ctx context.Context, key string, quota domain.Quota) Decision {
	if quota.Max <= 0 {
		return Decision{Allowed: true}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	length := window(quota)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	redisKey := r.prefix + key
	result, err := windowScript.Run(ctx, r.client, []string{redisKey}, length.Milliseconds()).Int64Slice()
	if err == nil && len(result) != 2 {
		err = fmt.Errorf("unexpected script reply %v", result)
	}
	if err != nil {
		r.logger.Error("redis rate limiter error", "op", "window", "key", redisKey, "error", err)
		return Decision{Allowed: true, Limit: quota.Max, Remaining: quota.Max, ResetAt: r.clock.Now().Add(length)}
	}
	counter, ttl := result[0], time.Duration(result[1])*time.Millisecond

	count := int(counter)
	return Decision{
		Allowed:   count <= quota.Max,
		Count:     count,
		Limit:     quota.Max,
		Remaining: remaining(quota.Max, count),
		ResetAt:   r.clock.Now().Add(ttl),
	}
}

// Algorithm names this backend.
func (r *Redis) Algorithm() string {
	return config.EnforceRedis
}

// Close releases the redis connection pool.
func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
