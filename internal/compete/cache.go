package compete

import (
	"sync"
	"time"
)

// BandCache stores fetched bands keyed by (property, date). Implementations
// must be safe for concurrent use. Get returns entries past their TTL with
// stale=true so the gateway can serve them while revalidating.
type BandCache interface {
	Get(key Key) (band Band, stale bool, ok bool)
	Set(key Key, band Band)
	Delete(key Key)
}

// CacheStats summarizes cache effectiveness for telemetry.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}

// MemoryCache is an in-process TTL cache with LRU eviction.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[Key]*memEntry
	ttl        time.Duration
	maxEntries int
	stats      CacheStats

	stopCh   chan struct{}
	stopOnce sync.Once
}

type memEntry struct {
	band     Band
	storedAt time.Time
	accessed time.Time
}

// NewMemoryCache creates a band cache with the given TTL and size bound.
// Entries older than 4x TTL are dropped by a background sweep; between TTL
// and that horizon they are served as stale.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &MemoryCache{
		entries:    make(map[Key]*memEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *MemoryCache) Get(key Key) (Band, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		c.stats.Misses++
		return Band{}, false, false
	}
	age := time.Since(e.storedAt)
	if age > 4*c.ttl {
		delete(c.entries, key)
		c.stats.Misses++
		return Band{}, false, false
	}
	e.accessed = time.Now()
	c.stats.Hits++
	return e.band, age > c.ttl, true
}

func (c *MemoryCache) Set(key Key, band Band) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	now := time.Now()
	c.entries[key] = &memEntry{band: band, storedAt: now, accessed: now}
}

func (c *MemoryCache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Stats returns a snapshot of cache counters.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// Stop terminates the background sweep.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// evictLRU removes the least recently accessed entry. Caller holds the lock.
func (c *MemoryCache) evictLRU() {
	var oldestKey Key
	var oldest time.Time
	first := true
	for key, e := range c.entries {
		if first || e.accessed.Before(oldest) {
			oldest = e.accessed
			oldestKey = key
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// SweepExpired forces an expiry pass outside the background ticker.
func (c *MemoryCache) SweepExpired() {
	c.removeExpired()
}

func (c *MemoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	horizon := 4 * c.ttl
	for key, e := range c.entries {
		if time.Since(e.storedAt) > horizon {
			delete(c.entries, key)
		}
	}
}
