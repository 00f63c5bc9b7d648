package dnshield

import (
	"container/list"
	"sync"
	"time"
)

// RuleSetMetadata carries the descriptive fields that accompany a RuleSet.
type RuleSetMetadata struct {
	Name         string
	Version      string
	Updated      time.Time
	Author       string
	SourceURL    string
	Description  string
	License      string
	CustomFields map[string]string
}

// RuleSet is a parsed collection of rules plus metadata from one source.
type RuleSet struct {
	Rules    []Rule
	Metadata RuleSetMetadata
}

// CacheEntry is what the tiered cache stores per source.
type CacheEntry struct {
	RuleSet       *RuleSet
	FetchDate     time.Time
	TTLSeconds    int64
	SourceID      string
	DataSizeBytes int64
}

// IsExpired reports whether the entry's TTL has elapsed as of now.
func (e CacheEntry) IsExpired(now time.Time) bool {
	return now.Sub(e.FetchDate) > time.Duration(e.TTLSeconds)*time.Second
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	MemoryHits, MemoryMisses int64
	DiskHits, DiskMisses     int64
	TotalRequests            int64
	MemoryBytes, DiskBytes   int64
	AverageLoadTime          time.Duration
}

// HitRate returns the fraction of requests served from either tier.
func (s CacheStats) HitRate() float64 {
	hits := s.MemoryHits + s.DiskHits
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(hits) / float64(s.TotalRequests)
}

// memTier is the in-memory LRU tier: a byte-budgeted, reader-writer-safe
// cache of CacheEntry keyed by source id, costed by serialized size.
type memTier struct {
	mu     sync.RWMutex
	budget int64
	used   int64
	ll     *list.List
	index  map[string]*list.Element
}

type memTierItem struct {
	key   string
	entry CacheEntry
}

func newMemTier(budgetBytes int64) *memTier {
	return &memTier{
		budget: budgetBytes,
		ll:     list.New(),
		index:  make(map[string]*list.Element),
	}
}

func (m *memTier) get(key string, now time.Time) (CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.index[key]
	if !ok {
		return CacheEntry{}, false
	}
	item := el.Value.(*memTierItem)
	if item.entry.IsExpired(now) {
		m.removeLocked(el)
		return CacheEntry{}, false
	}
	m.ll.MoveToFront(el)
	return item.entry, true
}

func (m *memTier) store(key string, entry CacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[key]; ok {
		item := el.Value.(*memTierItem)
		m.used -= item.entry.DataSizeBytes
		item.entry = entry
		m.used += entry.DataSizeBytes
		m.ll.MoveToFront(el)
	} else {
		el := m.ll.PushFront(&memTierItem{key: key, entry: entry})
		m.index[key] = el
		m.used += entry.DataSizeBytes
	}
	m.evictToBudgetLocked()
}

func (m *memTier) evictToBudgetLocked() {
	for m.budget > 0 && m.used > m.budget {
		back := m.ll.Back()
		if back == nil {
			break
		}
		m.removeLocked(back)
	}
}

func (m *memTier) removeLocked(el *list.Element) {
	item := el.Value.(*memTierItem)
	m.used -= item.entry.DataSizeBytes
	delete(m.index, item.key)
	m.ll.Remove(el)
}

func (m *memTier) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[key]; ok {
		m.removeLocked(el)
	}
}

func (m *memTier) removeExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for el := m.ll.Front(); el != nil; {
		next := el.Next()
		item := el.Value.(*memTierItem)
		if item.entry.IsExpired(now) {
			m.removeLocked(el)
			n++
		}
		el = next
	}
	return n
}

func (m *memTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ll.Init()
	m.index = make(map[string]*list.Element)
	m.used = 0
}

func (m *memTier) size() (count int, bytes int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index), m.used
}
