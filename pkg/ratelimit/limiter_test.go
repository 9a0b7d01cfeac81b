package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestLimiter_AllowsExactlyLimit(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedis(t)
	clock := newTestClock()
	limiter := NewLimiter(client, WithClock(clock.Now))
	rule := LoginRule(5, time.Minute)

	for i := 0; i < 5; i++ {
		res, err := limiter.Check(ctx, rule, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 5-i-1, res.Remaining)
		assert.Zero(t, res.RetryAfter)
		clock.Advance(time.Second)
	}

	res, err := limiter.Check(ctx, rule, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 5, res.Limit)
	// oldest entry at t0, now t0+5s, window 60s
	assert.Equal(t, 55*time.Second, res.RetryAfter)
	assert.Equal(t, 55, res.RetryAfterSeconds())

	// other identifiers are independent
	res, err = limiter.Check(ctx, rule, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_SameInstantRequestsCountSeparately(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedis(t)
	clock := newTestClock()
	limiter := NewLimiter(client, WithClock(clock.Now))
	rule := GlobalRule(3, time.Minute)

	for i := 0; i < 3; i++ {
		res, err := limiter.Check(ctx, rule, "ip")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.Check(ctx, rule, "ip")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestLimiter_WindowSlides(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedis(t)
	clock := newTestClock()
	limiter := NewLimiter(client, WithClock(clock.Now))
	rule := GlobalRule(2, 10*time.Second)

	for i := 0; i < 2; i++ {
		res, err := limiter.Check(ctx, rule, "ip")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := limiter.Check(ctx, rule, "ip")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// the first two entries fall out; the denied one at t0 does too
	clock.Advance(10 * time.Second)
	res, err = limiter.Check(ctx, rule, "ip")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestLimiter_RetryAfterFlooredAtOneSecond(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedis(t)
	clock := newTestClock()
	limiter := NewLimiter(client, WithClock(clock.Now))
	rule := GlobalRule(1, 10*time.Second)

	_, err := limiter.Check(ctx, rule, "ip")
	require.NoError(t, err)

	clock.Advance(9*time.Second + 900*time.Millisecond)
	res, err := limiter.Check(ctx, rule, "ip")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)
}

func TestLimiter_SetsKeyTTL(t *testing.T) {
	ctx := context.Background()
	client, mr := setupRedis(t)
	limiter := NewLimiter(client)

	_, err := limiter.Check(ctx, GlobalRule(10, time.Minute), "1.2.3.4")
	require.NoError(t, err)

	assert.True(t, mr.Exists("ratelimit:global:1.2.3.4"))
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:global:1.2.3.4"))
}

func TestLimiter_ConcurrentBurstAdmitsExactlyLimit(t *testing.T) {
	ctx := context.Background()
	client, _ := setupRedis(t)
	limiter := NewLimiter(client)
	rule := LoginRule(5, time.Minute)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Check(ctx, rule, "burst")
			if err == nil && res.Allowed {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), admitted)
}

func TestLimiter_InvalidRule(t *testing.T) {
	client, _ := setupRedis(t)
	limiter := NewLimiter(client)

	_, err := limiter.Check(context.Background(), Rule{Prefix: "x", Limit: 0, Window: time.Second}, "id")
	assert.Error(t, err)
}

func TestLimiter_StoreUnavailable(t *testing.T) {
	client, mr := setupRedis(t)
	limiter := NewLimiter(client)
	mr.Close()

	_, err := limiter.Check(context.Background(), GlobalRule(10, time.Minute), "ip")
	assert.Error(t, err)
}
