package dnshield

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(CacheOptions{
		MemoryBudgetBytes: 1 << 20,
		DiskBudgetBytes:   1 << 20,
		DiskPath:          filepath.Join(t.TempDir(), "cache"),
	})
	require.NoError(t, err)
	return c
}

func sampleEntry(sourceID string, ttl time.Duration, fetched time.Time) CacheEntry {
	return CacheEntry{
		RuleSet: &RuleSet{
			Rules:    []Rule{{Domain: "example.com", Action: ActionBlock, Type: RuleExact, Source: SourceList, UpdatedAt: fetched}},
			Metadata: RuleSetMetadata{Name: sourceID, Version: "1"},
		},
		FetchDate:     fetched,
		TTLSeconds:    int64(ttl.Seconds()),
		SourceID:      sourceID,
		DataSizeBytes: 128,
	}
}

func TestScenario5CacheExpiry(t *testing.T) {
	c := newTestCache(t)
	base := time.Now().Add(-100 * time.Second)
	entry := sampleEntry("src-1", 60*time.Second, base)
	require.NoError(t, c.Store("src-1", entry))

	// Simulate +30s by constructing an entry fetched 30s ago relative to
	// "now" for the expiry math in IsExpired/Get.
	fresh := sampleEntry("src-2", 60*time.Second, time.Now().Add(-30*time.Second))
	require.NoError(t, c.Store("src-2", fresh))
	_, ok := c.Get("src-2", 0)
	require.True(t, ok)

	stale := sampleEntry("src-3", 60*time.Second, time.Now().Add(-61*time.Second))
	require.NoError(t, c.Store("src-3", stale))
	_, ok = c.Get("src-3", 0)
	require.False(t, ok)
}

func TestCacheDiskHitRehydratesMemory(t *testing.T) {
	c := newTestCache(t)
	entry := sampleEntry("src-1", 3600*time.Second, time.Now())
	require.NoError(t, c.Store("src-1", entry))

	c.ClearMemory()
	count, _ := c.mem.size()
	require.Equal(t, 0, count)

	got, ok := c.Get("src-1", 0)
	require.True(t, ok)
	require.Equal(t, "example.com", got.RuleSet.Rules[0].Domain)

	count, _ = c.mem.size()
	require.Equal(t, 1, count)
}

func TestCacheEvictionMonotonicity(t *testing.T) {
	c, err := NewCache(CacheOptions{MemoryBudgetBytes: 300, DiskBudgetBytes: 1 << 20, DiskPath: filepath.Join(t.TempDir(), "cache")})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, c.Store(id, sampleEntry(id, 3600*time.Second, time.Now())))
		_, bytes := c.mem.size()
		require.LessOrEqual(t, bytes, int64(300))
	}
}

func TestCacheInvalidateSource(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Store("src-1", sampleEntry("src-1", 3600*time.Second, time.Now())))
	require.NoError(t, c.InvalidateSource("src-1"))
	_, ok := c.Get("src-1", 0)
	require.False(t, ok)
}

func TestCacheStatsReportsAverageLoadTime(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Store("src-1", sampleEntry("src-1", 3600*time.Second, time.Now())))

	require.Zero(t, c.Stats().AverageLoadTime, "no disk tier consulted yet")

	c.ClearMemory()
	_, ok := c.Get("src-1", 0) // memory miss forces a disk-tier load
	require.True(t, ok)

	require.Greater(t, c.Stats().AverageLoadTime, time.Duration(0))
}
