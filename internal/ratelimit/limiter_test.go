package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryTier is a fixed-window counter standing in for the Postgres tier.
type memoryTier struct {
	mu    sync.Mutex
	hits  map[string]int
	calls int
	err   error
}

func (m *memoryTier) Hit(ctx context.Context, key string, q Quota, now time.Time) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return Result{}, m.err
	}
	if m.hits == nil {
		m.hits = make(map[string]int)
	}
	bucket := key + now.Truncate(q.Window).String()
	m.hits[bucket]++
	n := m.hits[bucket]
	return Result{Allowed: n <= q.Requests, Count: n, ResetIn: q.Window}, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	sources []string
}

func (r *recordingObserver) ObserveRateLimit(endpoint, source string, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
}

func newRedisLimiter(t *testing.T, fallback Tier) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	l := New(Config{
		Primary:  NewRedisTier(client),
		Fallback: fallback,
		Health:   NewHealth(30 * time.Second),
		Timeout:  time.Second,
	})
	return l, mr
}

func TestLimiterPrimaryEnforcesQuota(t *testing.T) {
	l, _ := newRedisLimiter(t, &memoryTier{})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	for i := 0; i < 200; i++ {
		d := l.Allow(context.Background(), "ledger-1", EndpointRecordSale)
		require.True(t, d.Allowed, "request %d", i+1)
		require.Equal(t, SourcePrimary, d.Source)
	}
	d := l.Allow(context.Background(), "ledger-1", EndpointRecordSale)
	assert.False(t, d.Allowed)
	assert.Equal(t, SourcePrimary, d.Source)
	assert.Equal(t, time.Minute, d.ResetIn)

	other := l.Allow(context.Background(), "ledger-2", EndpointRecordSale)
	assert.True(t, other.Allowed)
}

func TestLimiterSlidingWindowExpires(t *testing.T) {
	l, _ := newRedisLimiter(t, nil)
	policy, err := NewPolicy(map[string]string{EndpointGetBalance: "2/60"}, nil)
	require.NoError(t, err)
	l.policy = policy

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return start }
	require.True(t, l.Allow(context.Background(), "k", EndpointGetBalance).Allowed)

	l.now = func() time.Time { return start.Add(30 * time.Second) }
	require.True(t, l.Allow(context.Background(), "k", EndpointGetBalance).Allowed)
	blocked := l.Allow(context.Background(), "k", EndpointGetBalance)
	require.False(t, blocked.Allowed)
	assert.Equal(t, 30*time.Second, blocked.ResetIn)

	l.now = func() time.Time { return start.Add(61 * time.Second) }
	assert.True(t, l.Allow(context.Background(), "k", EndpointGetBalance).Allowed)
}

func TestLimiterFallbackNarrowGate(t *testing.T) {
	fallback := &memoryTier{}
	l, mr := newRedisLimiter(t, fallback)
	mr.SetError("connection refused")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	allowed := 0
	for i := 0; i < 50; i++ {
		d := l.Allow(context.Background(), "ledger-1", EndpointRecordSale)
		assert.Equal(t, SourceFallback, d.Source)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 20, allowed)
}

func TestLimiterBothTiersDown(t *testing.T) {
	obs := &recordingObserver{}
	l, mr := newRedisLimiter(t, &memoryTier{err: errors.New("db down")})
	l.observer = obs
	mr.SetError("connection refused")

	closed := l.Allow(context.Background(), "ledger-1", EndpointProcessPayout)
	assert.False(t, closed.Allowed)
	assert.True(t, closed.Unavailable)
	assert.Equal(t, SourceNone, closed.Source)

	open := l.Allow(context.Background(), "ledger-1", EndpointGetBalance)
	assert.True(t, open.Allowed)
	assert.True(t, open.Bypassed)
	assert.Equal(t, []string{"none", "none"}, obs.sources)
}

func TestLimiterBreakerSkipsPrimaryDuringCooldown(t *testing.T) {
	primary := &memoryTier{err: errors.New("timeout")}
	fallback := &memoryTier{}
	l := New(Config{Primary: primary, Fallback: fallback, Health: NewHealth(30 * time.Second)})
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return start }

	l.Allow(context.Background(), "k", EndpointGetBalance)
	l.Allow(context.Background(), "k", EndpointGetBalance)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 2, fallback.calls)

	primary.err = nil
	l.now = func() time.Time { return start.Add(31 * time.Second) }
	d := l.Allow(context.Background(), "k", EndpointGetBalance)
	assert.Equal(t, SourcePrimary, d.Source)
	assert.Equal(t, 2, primary.calls)
	assert.True(t, l.health.Healthy(start.Add(32*time.Second)))
}

func TestAllowPreAuthFailsOpen(t *testing.T) {
	l, mr := newRedisLimiter(t, &memoryTier{})
	l.preAuth = Quota{Requests: 1, Window: time.Minute}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	assert.True(t, l.AllowPreAuth(context.Background(), "203.0.113.9").Allowed)
	assert.False(t, l.AllowPreAuth(context.Background(), "203.0.113.9").Allowed)

	mr.SetError("connection refused")
	d := l.AllowPreAuth(context.Background(), "203.0.113.10")
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceNone, d.Source)
}

func TestHealthCooldown(t *testing.T) {
	h := NewHealth(0)
	now := time.Now()
	assert.True(t, h.Healthy(now))
	h.MarkUnhealthy(now)
	assert.False(t, h.Healthy(now.Add(29*time.Second)))
	assert.True(t, h.Healthy(now.Add(DefaultCooldown)))
	h.MarkUnhealthy(now)
	h.MarkHealthy()
	assert.True(t, h.Healthy(now))
}
