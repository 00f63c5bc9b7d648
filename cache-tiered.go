package dnshield

import (
	"sync/atomic"
	"time"
)

// CacheOptions configures a two-tier Cache.
type CacheOptions struct {
	MemoryBudgetBytes int64
	DiskBudgetBytes   int64
	DiskPath          string
}

// Cache is the two-tier rule-set cache: an in-memory LRU over a
// single-writer on-disk directory tree.
type Cache struct {
	mem  *memTier
	disk *diskTier

	memHits, memMisses, diskHits, diskMisses, total int64
	loadNanos                                       int64
}

// NewCache opens (creating if necessary) a two-tier cache rooted at
// opt.DiskPath.
func NewCache(opt CacheOptions) (*Cache, error) {
	disk, err := newDiskTier(opt.DiskPath, opt.DiskBudgetBytes)
	if err != nil {
		return nil, err
	}
	return &Cache{
		mem:  newMemTier(opt.MemoryBudgetBytes),
		disk: disk,
	}, nil
}

// Store writes entry to both tiers, keyed by key (conventionally the
// source id).
func (c *Cache) Store(key string, entry CacheEntry) error {
	c.mem.store(key, entry)
	if err := c.disk.store(key, entry); err != nil {
		// Disk tier failure doesn't take the cache down; memory tier
		// keeps serving.
		Log.WithFields(map[string]interface{}{"key": key, "err": err}).Warn("disk cache store failed")
		return err
	}
	return nil
}

// Get consults memory first; on miss it falls back to disk and, on a disk
// hit, rehydrates memory and refreshes the disk entry's access time.
// maxAge, if positive, additionally rejects entries older than it even if
// their TTL hasn't elapsed.
func (c *Cache) Get(key string, maxAge time.Duration) (CacheEntry, bool) {
	atomic.AddInt64(&c.total, 1)
	now := time.Now()

	if entry, ok := c.mem.get(key, now); ok {
		if maxAge <= 0 || now.Sub(entry.FetchDate) <= maxAge {
			atomic.AddInt64(&c.memHits, 1)
			return entry, true
		}
	}
	atomic.AddInt64(&c.memMisses, 1)

	loadStart := time.Now()
	entry, ok, err := c.disk.get(key)
	atomic.AddInt64(&c.loadNanos, int64(time.Since(loadStart)))
	if err != nil || !ok {
		atomic.AddInt64(&c.diskMisses, 1)
		return CacheEntry{}, false
	}
	if entry.IsExpired(now) || (maxAge > 0 && now.Sub(entry.FetchDate) > maxAge) {
		if entry.IsExpired(now) {
			c.disk.remove(key)
		}
		atomic.AddInt64(&c.diskMisses, 1)
		return CacheEntry{}, false
	}
	atomic.AddInt64(&c.diskHits, 1)
	c.mem.store(key, entry)
	return entry, true
}

// InvalidateSource drops key from both tiers.
func (c *Cache) InvalidateSource(key string) error {
	c.mem.remove(key)
	return c.disk.remove(key)
}

// InvalidateExpired sweeps expired entries from the memory tier. The disk
// tier is swept lazily on Get; Cache does not walk the whole directory
// here to avoid stat-ing every file on a timer unprompted.
func (c *Cache) InvalidateExpired() int {
	return c.mem.removeExpired(time.Now())
}

// ClearMemory empties the memory tier only.
func (c *Cache) ClearMemory() { c.mem.clear() }

// ClearDisk empties the disk tier only.
func (c *Cache) ClearDisk() error { return c.disk.clear() }

// ClearAll empties both tiers.
func (c *Cache) ClearAll() error {
	c.mem.clear()
	return c.disk.clear()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() CacheStats {
	_, memBytes := c.mem.size()
	meta, _ := c.disk.readMetadata()
	diskHits := atomic.LoadInt64(&c.diskHits)
	diskMisses := atomic.LoadInt64(&c.diskMisses)
	var avgLoad time.Duration
	if loads := diskHits + diskMisses; loads > 0 {
		avgLoad = time.Duration(atomic.LoadInt64(&c.loadNanos) / loads)
	}
	return CacheStats{
		MemoryHits:      atomic.LoadInt64(&c.memHits),
		MemoryMisses:    atomic.LoadInt64(&c.memMisses),
		DiskHits:        diskHits,
		DiskMisses:      diskMisses,
		TotalRequests:   atomic.LoadInt64(&c.total),
		MemoryBytes:     memBytes,
		DiskBytes:       meta.TotalSize,
		AverageLoadTime: avgLoad,
	}
}
