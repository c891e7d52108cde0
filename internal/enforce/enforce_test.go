package enforce

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quota(max int, window time.Duration) domain.Quota {
	return domain.Quota{Max: max, WindowMS: window.Milliseconds()}
}

func TestMemoryFixedWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(baseTime)
	m := NewMemory(clk)
	defer m.Close()
	ctx := context.Background()
	q := quota(3, time.Minute)

	for i := 1; i <= 3; i++ {
		d := m.Allow(ctx, "ip", q)
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, i, d.Count)
		assert.Equal(t, 3-i, d.Remaining)
		assert.Equal(t, baseTime.Add(time.Minute), d.ResetAt)
	}

	denied := m.Allow(ctx, "ip", q)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 3, denied.Count)
	assert.Zero(t, denied.Remaining)
	assert.Equal(t, 30*time.Second, denied.ResetAfter(baseTime.Add(30*time.Second)))

	assert.True(t, m.Allow(ctx, "other", q).Allowed, "keys are independent")

	clk.Advance(time.Minute)
	fresh := m.Allow(ctx, "ip", q)
	assert.True(t, fresh.Allowed)
	assert.Equal(t, 1, fresh.Count)
	assert.Equal(t, 2, m.Tracked())
}

func TestMemoryWindowChangeKeepsCount(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(baseTime)
	m := NewMemory(clk)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		m.Allow(ctx, "ip", quota(2, time.Minute))
	}
	require.False(t, m.Allow(ctx, "ip", quota(2, time.Minute)).Allowed)

	widened := m.Allow(ctx, "ip", quota(2, 5*time.Minute))
	assert.False(t, widened.Allowed)
	assert.Equal(t, 2, widened.Count)
	assert.Equal(t, baseTime.Add(time.Minute), widened.ResetAt)

	clk.Advance(10 * time.Second)
	narrowed := m.Allow(ctx, "ip", quota(2, 15*time.Second))
	assert.False(t, narrowed.Allowed)
	assert.Equal(t, baseTime.Add(25*time.Second), narrowed.ResetAt)

	clk.Advance(15 * time.Second)
	fresh := m.Allow(ctx, "ip", quota(2, 15*time.Second))
	assert.True(t, fresh.Allowed)
	assert.Equal(t, 1, fresh.Count)
}

func TestMemoryShrinkingQuotaRejects(t *testing.T) {
	t.Parallel()

	m := NewMemory(clock.NewManual(baseTime))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.True(t, m.Allow(ctx, "ip", quota(10, time.Minute)).Allowed)
	}
	assert.False(t, m.Allow(ctx, "ip", quota(5, time.Minute)).Allowed)
	assert.True(t, m.Allow(ctx, "ip", quota(6, time.Minute)).Allowed)
}

func TestMemoryZeroQuotaAllows(t *testing.T) {
	t.Parallel()

	m := NewMemory(nil)
	assert.True(t, m.Allow(context.Background(), "ip", domain.Quota{}).Allowed)
	assert.Equal(t, config.EnforceMemory, m.Algorithm())
}

func TestMemoryConcurrentCountsExactly(t *testing.T) {
	t.Parallel()

	m := NewMemory(clock.NewManual(baseTime))
	q := quota(100, time.Minute)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if m.Allow(context.Background(), "shared", q).Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
}

func TestTokenBucketBurstThenRefill(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(baseTime)
	tb := NewTokenBucket(clk)
	defer tb.Close()
	ctx := context.Background()
	q := quota(10, 10*time.Second)

	for i := 0; i < 10; i++ {
		require.True(t, tb.Allow(ctx, "ip", q).Allowed, "burst request %d", i)
	}
	denied := tb.Allow(ctx, "ip", q)
	assert.False(t, denied.Allowed)
	assert.Zero(t, denied.Remaining)
	assert.Equal(t, 10, denied.Limit)
	assert.True(t, denied.ResetAt.After(baseTime))

	clk.Advance(time.Second)
	assert.True(t, tb.Allow(ctx, "ip", q).Allowed, "one token refilled after 1s")
	assert.False(t, tb.Allow(ctx, "ip", q).Allowed)
	assert.Equal(t, config.EnforceTokenBucket, tb.Algorithm())
}

func TestTokenBucketRetunesOnQuotaChange(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(baseTime)
	tb := NewTokenBucket(clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.True(t, tb.Allow(ctx, "ip", quota(2, time.Minute)).Allowed)
	}
	require.False(t, tb.Allow(ctx, "ip", quota(2, time.Minute)).Allowed)

	clk.Advance(30 * time.Second)
	d := tb.Allow(ctx, "ip", quota(20, time.Minute))
	assert.True(t, d.Allowed)
	assert.Equal(t, 20, d.Limit)
}

func TestNewSelectsBackend(t *testing.T) {
	t.Parallel()

	enf, err := New(config.EnforceConfig{Backend: config.EnforceMemory}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, enf)

	enf, err = New(config.EnforceConfig{Backend: config.EnforceTokenBucket}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &TokenBucket{}, enf)

	_, err = New(config.EnforceConfig{Backend: "leaky"}, nil, nil)
	assert.Error(t, err)
}

func TestRedisFailsOpenWhenUnreachable(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := newRedisWithClient(client, "test:", clock.NewManual(baseTime), nil)
	defer r.Close()

	d := r.Allow(context.Background(), "ip", quota(1, time.Minute))
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Limit)
	assert.Equal(t, baseTime.Add(time.Minute), d.ResetAt)
}

func TestRedisFixedWindow(t *testing.T) {
	addr := os.Getenv("RATEWATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("RATEWATCH_TEST_REDIS not set")
	}

	prefix := fmt.Sprintf("ratewatch-test:%d:", time.Now().UnixNano())
	r, err := NewRedis(config.RedisEnforceConfig{Addr: addr, DialTimeoutMS: 1000}, prefix, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	q := quota(2, 2*time.Second)
	first := r.Allow(ctx, "ip", q)
	second := r.Allow(ctx, "ip", q)
	third := r.Allow(ctx, "ip", q)

	assert.True(t, first.Allowed)
	assert.True(t, second.Allowed)
	assert.False(t, third.Allowed)
	assert.Equal(t, 3, third.Count)
	assert.Zero(t, third.Remaining)

	require.Eventually(t, func() bool {
		return r.Allow(ctx, "ip", q).Allowed
	}, 5*time.Second, 200*time.Millisecond)
}

func TestRedisRepairsCounterTTL(t *testing.T) {
	addr := os.Getenv("RATEWATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("RATEWATCH_TEST_REDIS not set")
	}

	prefix := fmt.Sprintf("ratewatch-test:%d:", time.Now().UnixNano())
	r, err := NewRedis(config.RedisEnforceConfig{Addr: addr, DialTimeoutMS: 1000}, prefix, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.client.Set(ctx, prefix+"stuck", 7, 0).Err())

	d := r.Allow(ctx, "stuck", quota(5, 3*time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, 8, d.Count)
	ttl, err := r.client.PTTL(ctx, prefix+"stuck").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 3*time.Second)

	r.Allow(ctx, "shrink", quota(5, time.Minute))
	shrunk := r.Allow(ctx, "shrink", quota(5, time.Second))
	assert.Equal(t, 2, shrunk.Count)
	ttl, err = r.client.PTTL(ctx, prefix+"shrink").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Second)
}
