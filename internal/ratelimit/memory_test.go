package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(t *testing.T, perSecond float64, burst int) (*MemoryLimiter, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(perSecond, burst)
	m.now = c.now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, c
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < n; i++ {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterAllowsBurstThenDenies(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 3)
	assert.Equal(t, 3, allowN(t, m, "k1", 3))
	assert.Equal(t, 0, allowN(t, m, "k1", 1))
}

func TestMemoryLimiterRefills(t *testing.T) {
	m, c := newTestLimiter(t, 2, 2)
	assert.Equal(t, 2, allowN(t, m, "k1", 3))

	c.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k1", 2))
}

func TestMemoryLimiterCapsAtBurst(t *testing.T) {
	m, c := newTestLimiter(t, 1000, 3)
	allowN(t, m, "k1", 1)

	c.advance(time.Hour)
	assert.Equal(t, 3, allowN(t, m, "k1", 4))
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 1)
	assert.Equal(t, 1, allowN(t, m, "a", 2))
	assert.Equal(t, 1, allowN(t, m, "b", 1))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 100, 50)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if ok, _ := m.Allow(context.Background(), "shared"); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// The clock is frozen, so exactly the burst is granted.
	assert.Equal(t, int32(50), allowed.Load())
}

func TestMemoryLimiterEvictsStaleKeys(t *testing.T) {
	m, c := newTestLimiter(t, 10, 5)
	allowN(t, m, "stale", 1)
	c.advance(staleAfter + time.Second)
	allowN(t, m, "recent", 1)

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.entries, "stale")
	assert.Contains(t, m.entries, "recent")
}

func TestMemoryLimiterRetryAfter(t *testing.T) {
	m, _ := newTestLimiter(t, 5, 1)
	assert.Equal(t, time.Second, m.RetryAfter())

	slow, _ := newTestLimiter(t, 0.25, 1)
	assert.Equal(t, 4*time.Second, slow.RetryAfter())
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Close())
}
