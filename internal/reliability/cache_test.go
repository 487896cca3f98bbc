package reliability

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCache_HitMissStale(t *testing.T) {
	c := NewTTLCache(40*time.Millisecond, 16)

	assert.Equal(t, Miss, c.Get("k").Outcome)

	c.Set("k", []byte("v"))
	res := c.Get("k")
	require.Equal(t, Hit, res.Outcome)
	assert.Equal(t, []byte("v"), res.Value)

	time.Sleep(60 * time.Millisecond)
	res = c.Get("k")
	require.Equal(t, Stale, res.Outcome, "expired entry still present reads as stale")
	assert.Equal(t, []byte("v"), res.Value)
}

func TestTTLCache_LRUEviction(t *testing.T) {
	c := NewTTLCache(time.Minute, 2)

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Get("a") // a becomes most recently used
	c.Set("c", []byte("3"))

	assert.Equal(t, Hit, c.Get("a").Outcome)
	assert.Equal(t, Miss, c.Get("b").Outcome, "least recently used entry should be evicted")
	assert.Equal(t, Hit, c.Get("c").Outcome)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestTTLCache_DeleteAndStats(t *testing.T) {
	c := NewTTLCache(time.Minute, 16)
	c.Set("k", []byte("v"))
	c.Delete("k")
	assert.Equal(t, Miss, c.Get("k").Outcome)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0, stats.Entries)
}

func TestAdaptiveCache_ShrinksWhenCold(t *testing.T) {
	cfg := AdaptiveCacheConfig{
		TTLMin:       10 * time.Millisecond,
		TTLMax:       80 * time.Millisecond,
		Window:       30 * time.Millisecond,
		HotThreshold: 0.5,
		MaxEntries:   16,
	}
	c := NewAdaptiveCache(cfg)
	require.Equal(t, cfg.TTLMax, c.CurrentTTL())

	// All misses: cold window, TTL should shrink after the window rolls
	for i := 0; i < 10; i++ {
		c.Get(fmt.Sprintf("missing-%d", i))
	}
	time.Sleep(40 * time.Millisecond)
	c.Get("one-more-to-roll")

	assert.Less(t, c.CurrentTTL(), cfg.TTLMax, "cold cache must shrink its TTL")
	assert.GreaterOrEqual(t, c.CurrentTTL(), cfg.TTLMin)
}

func TestAdaptiveCache_GrowsTowardMaxWhenHot(t *testing.T) {
	cfg := AdaptiveCacheConfig{
		TTLMin:       10 * time.Millisecond,
		TTLMax:       80 * time.Millisecond,
		Window:       30 * time.Millisecond,
		HotThreshold: 0.5,
		MaxEntries:   16,
	}
	c := NewAdaptiveCache(cfg)

	// Force a shrink first
	for i := 0; i < 10; i++ {
		c.Get(fmt.Sprintf("missing-%d", i))
	}
	time.Sleep(40 * time.Millisecond)
	c.Get("roll-1")
	shrunk := c.CurrentTTL()
	require.Less(t, shrunk, cfg.TTLMax)

	// Hot window: every read hits
	c.Set("hot", []byte("v"))
	for i := 0; i < 10; i++ {
		require.Equal(t, Hit, c.Get("hot").Outcome)
	}
	time.Sleep(40 * time.Millisecond)
	c.Get("hot")

	assert.Greater(t, c.CurrentTTL(), shrunk, "hot cache must grow its TTL back")
	assert.LessOrEqual(t, c.CurrentTTL(), cfg.TTLMax)
}

func TestAdaptiveCache_Defaults(t *testing.T) {
	cfg := DefaultAdaptiveCacheConfig()
	assert.Equal(t, 5*time.Minute, cfg.Window)
	assert.Equal(t, 0.5, cfg.HotThreshold)
}
