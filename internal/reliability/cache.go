package reliability

import (
	"container/list"
	"sync"
	"time"
)

// Outcome classifies a cache read
type Outcome int

const (
	// Miss means no usable entry exists
	Miss Outcome = iota
	// Hit means a live entry was found
	Hit
	// Stale means an expired entry is still present; callers doing
	// stale-while-revalidate may serve it while refreshing
	Stale
)

// Lookup is the result of a cache read
type Lookup struct {
	Outcome Outcome
	Value   []byte
}

// CacheStats reports hit/miss counters and entry count
type CacheStats struct {
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Stales    int64         `json:"stales"`
	Evictions int64         `json:"evictions"`
	Entries   int           `json:"entries"`
	TTL       time.Duration `json:"ttl"`
}

// Cache is the read/write contract shared by the in-memory and Redis
// implementations. Values are opaque byte payloads.
type Cache interface {
	Get(key string) Lookup
	Set(key string, value []byte)
	Delete(key string)
	Stats() CacheStats
}

type ttlEntry struct {
	key        string
	value      []byte
	expiresAt  time.Time
	insertedAt time.Time
}

// TTLCache is a fixed-TTL cache with LRU eviction above maxEntries.
// Expired entries are reported as Stale until evicted.
type TTLCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	ttl        time.Duration
	maxEntries int

	hits      int64
	misses    int64
	stales    int64
	evictions int64
}

// NewTTLCache creates a cache with a fixed TTL and LRU bound
func NewTTLCache(ttl time.Duration, maxEntries int) *TTLCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &TTLCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get returns Hit for live entries, Stale for expired-but-present entries,
// and Miss otherwise.
func (c *TTLCache) Get(key string) Lookup {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return Lookup{Outcome: Miss}
	}

	entry := el.Value.(*ttlEntry)
	c.order.MoveToFront(el)

	if time.Now().After(entry.expiresAt) {
		c.stales++
		return Lookup{Outcome: Stale, Value: entry.value}
	}
	c.hits++
	return Lookup{Outcome: Hit, Value: entry.value}
}

// Set stores value under key with the cache's current TTL
func (c *TTLCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value, c.ttl)
}

func (c *TTLCache) set(key string, value []byte, ttl time.Duration) {
	now := time.Now()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*ttlEntry)
		entry.value = value
		entry.expiresAt = now.Add(ttl)
		entry.insertedAt = now
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*ttlEntry).key)
		c.evictions++
	}

	entry := &ttlEntry{key: key, value: value, expiresAt: now.Add(ttl), insertedAt: now}
	c.entries[key] = c.order.PushFront(entry)
}

// Delete removes key from the cache
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Stats snapshots cache counters
func (c *TTLCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Stales:    c.stales,
		Evictions: c.evictions,
		Entries:   len(c.entries),
		TTL:       c.ttl,
	}
}

// AdaptiveCacheConfig bounds the adaptive TTL behavior
type AdaptiveCacheConfig struct {
	TTLMin       time.Duration
	TTLMax       time.Duration
	Window       time.Duration // hit-rate observation window
	HotThreshold float64       // hit rate below which the TTL shrinks
	MaxEntries   int
}

// DefaultAdaptiveCacheConfig returns the conservative defaults: 5-minute
// window and 0.5 hot threshold.
func DefaultAdaptiveCacheConfig() AdaptiveCacheConfig {
	return AdaptiveCacheConfig{
		TTLMin:       30 * time.Second,
		TTLMax:       10 * time.Minute,
		Window:       5 * time.Minute,
		HotThreshold: 0.5,
		MaxEntries:   1024,
	}
}

// AdaptiveCache adjusts its TTL from the hit rate over the last window:
// below HotThreshold the TTL halves toward TTLMin, otherwise it grows
// toward TTLMax.
type AdaptiveCache struct {
	mu  sync.Mutex
	ttl *TTLCache
	cfg AdaptiveCacheConfig

	currentTTL  time.Duration
	windowStart time.Time
	windowHits  int64
	windowTotal int64
}

// NewAdaptiveCache creates an adaptive-TTL cache starting at TTLMax
func NewAdaptiveCache(cfg AdaptiveCacheConfig) *AdaptiveCache {
	if cfg.TTLMin <= 0 {
		cfg.TTLMin = 30 * time.Second
	}
	if cfg.TTLMax < cfg.TTLMin {
		cfg.TTLMax = cfg.TTLMin
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.HotThreshold <= 0 {
		cfg.HotThreshold = 0.5
	}
	return &AdaptiveCache{
		ttl:         NewTTLCache(cfg.TTLMax, cfg.MaxEntries),
		cfg:         cfg,
		currentTTL:  cfg.TTLMax,
		windowStart: time.Now(),
	}
}

// Get reads through to the underlying cache and records the outcome for
// the current window.
func (a *AdaptiveCache) Get(key string) Lookup {
	res := a.ttl.Get(key)

	a.mu.Lock()
	a.windowTotal++
	if res.Outcome == Hit {
		a.windowHits++
	}
	a.maybeRoll(time.Now())
	a.mu.Unlock()

	return res
}

// Set stores value with the current adaptive TTL
func (a *AdaptiveCache) Set(key string, value []byte) {
	a.mu.Lock()
	ttl := a.currentTTL
	a.mu.Unlock()

	a.ttl.mu.Lock()
	a.ttl.set(key, value, ttl)
	a.ttl.mu.Unlock()
}

// Delete removes key
func (a *AdaptiveCache) Delete(key string) { a.ttl.Delete(key) }

// Stats reports underlying counters with the current adaptive TTL
func (a *AdaptiveCache) Stats() CacheStats {
	stats := a.ttl.Stats()
	a.mu.Lock()
	stats.TTL = a.currentTTL
	a.mu.Unlock()
	return stats
}

// CurrentTTL returns the TTL applied to new entries
func (a *AdaptiveCache) CurrentTTL() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTTL
}

// maybeRoll closes the observation window and adapts the TTL. Caller holds a.mu.
func (a *AdaptiveCache) maybeRoll(now time.Time) {
	if now.Sub(a.windowStart) < a.cfg.Window {
		return
	}

	if a.windowTotal > 0 {
		hitRate := float64(a.windowHits) / float64(a.windowTotal)
		if hitRate < a.cfg.HotThreshold {
			a.currentTTL = a.currentTTL / 2
			if a.currentTTL < a.cfg.TTLMin {
				a.currentTTL = a.cfg.TTLMin
			}
		} else {
			a.currentTTL = a.currentTTL * 2
			if a.currentTTL > a.cfg.TTLMax {
				a.currentTTL = a.cfg.TTLMax
			}
		}
	}

	a.windowStart = now
	a.windowHits = 0
	a.windowTotal = 0
}
