package enforce

import (
	"context"
	"math"
	"sync"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// TokenBucket enforces quotas as per-key token buckets refilled at max/window.
type TokenBucket struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets *cache.Cache
}

type bucket struct {
	limiter *rate.Limiter
	max     int
	window  time.Duration
}

// NewTokenBucket creates token bucket enforcer.
// Params: optional clock used for refill arithmetic.
// Returns: enforcer whose idle buckets expire in the background.
func NewTokenBucket(clk clock.Clock) *TokenBucket {
	return &TokenBucket{
		clock:   clock.OrReal(clk),
		buckets: cache.New(idleExpiry, sweepInterval),
	}
}

// Allow takes one token from key's bucket.
// Quota changes retune rate and burst in place, keeping accumulated tokens.
func (t *TokenBucket) Allow(_ context.Context, key string, quota domain.Quota) Decision {
	if quota.Max <= 0 {
		return Decision{Allowed: true}
	}
	now := t.clock.Now()
	length := window(quota)
	limit := rate.Limit(float64(quota.Max) / length.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()

	var b *bucket
	if value, ok := t.buckets.Get(key); ok {
		b = value.(*bucket)
	}
	switch {
	case b == nil:
		b = &bucket{limiter: rate.NewLimiter(limit, quota.Max), max: quota.Max, window: length}
	case b.max != quota.Max || b.window != length:
		b.limiter.SetLimitAt(now, limit)
		b.limiter.SetBurstAt(now, quota.Max)
		b.max = quota.Max
		b.window = length
	}
	t.buckets.Set(key, b, maxDuration(length, idleExpiry))

	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	left := int(math.Max(0, math.Floor(tokens)))

	resetAt := now
	if missing := float64(quota.Max) - tokens; missing > 0 {
		resetAt = now.Add(time.Duration(missing / float64(limit) * float64(time.Second)))
	}
	return Decision{
		Allowed:   allowed,
		Count:     quota.Max - left,
		Limit:     quota.Max,
		Remaining: left,
		ResetAt:   resetAt,
	}
}

// Algorithm names this backend.
func (t *TokenBucket) Algorithm() string {
	return config.EnforceTokenBucket
}

// Close drops every bucket.
func (t *TokenBucket) Close() error {
	t.buckets.Flush()
	return nil
}
