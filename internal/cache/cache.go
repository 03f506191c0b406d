// Package cache implements the topic cache: TTL-bounded, LRU-evicted,
// last-value storage for topics where only the most recent payload
// matters (configuration, status, slowly changing data).
package cache

import (
	"sync"
	"time"

	"github.com/horus-robotics/horus/internal/log"
)

const (
	DefaultTTL          = 60 * time.Second
	DefaultMaxEntries    = 1000
	DefaultMaxEntrySize  = 1024 * 1024
	DefaultSweepInterval = 30 * time.Second
)

// Config configures a Cache instance.
type Config struct {
	DefaultTTL    time.Duration
	MaxEntries    int
	MaxEntrySize  int
	TrackStats    bool
	SweepInterval time.Duration
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    DefaultTTL,
		MaxEntries:    DefaultMaxEntries,
		MaxEntrySize:  DefaultMaxEntrySize,
		TrackStats:    true,
		SweepInterval: DefaultSweepInterval,
	}
}

// ShortLivedConfig suits frequently-updating data (1s TTL).
func ShortLivedConfig() Config {
	c := DefaultConfig()
	c.DefaultTTL = time.Second
	return c
}

// LongLivedConfig suits configuration-like data (1h TTL).
func LongLivedConfig() Config {
	c := DefaultConfig()
	c.DefaultTTL = time.Hour
	return c
}

// UnlimitedConfig removes the entry-count bound. Use with care.
func UnlimitedConfig() Config {
	c := DefaultConfig()
	c.MaxEntries = int(^uint(0) >> 1)
	return c
}

type entry struct {
	data         []byte
	createdAt    time.Time
	ttl          time.Duration
	accessCount  uint64
	lastAccessed time.Time
}

func newEntry(data []byte, ttl time.Duration) *entry {
	now := time.Now()
	return &entry{data: data, createdAt: now, ttl: ttl, lastAccessed: now}
}

func (e *entry) isExpired() bool { return time.Since(e.createdAt) > e.ttl }

func (e *entry) touch() {
	e.accessCount++
	e.lastAccessed = time.Now()
}

func (e *entry) age() time.Duration { return time.Since(e.createdAt) }

func (e *entry) timeUntilExpiry() time.Duration {
	remaining := e.ttl - time.Since(e.createdAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Stats summarizes cache hit/miss/eviction counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Entries     int
	BytesStored int
	Evictions   uint64
	Expirations uint64
}

// HitRatio returns hits/(hits+misses), 0 when nothing has been recorded.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// EntryInfo describes a cached entry for introspection, without mutating it.
type EntryInfo struct {
	Topic           string
	Size            int
	Age             time.Duration
	TimeUntilExpiry time.Duration
	AccessCount     uint64
}

// Cache is a concurrency-safe, TTL- and size-bounded topic cache with
// LRU eviction on insert. Cache hits never touch disk or the network.
type Cache struct {
	cfg Config
	log *log.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	statsMu sync.RWMutex
	stats   Stats

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a cache and starts its background expiration sweep.
func New(cfg Config) *Cache {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	c := &Cache{
		cfg:     cfg,
		log:     log.Default("cache"),
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *Cache) sweepLoop() {
	defer close(c.doneCh)
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := c.CleanupExpired(); n > 0 {
				c.log.Debug("swept expired entries", log.Int("removed", n))
			}
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
	})
}

// Get returns the cached value for topic, or (nil, false) if absent or
// expired. A hit bumps the entry's access count and last-access time.
func (c *Cache) Get(topic string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[topic]
	if ok && !e.isExpired() {
		data := append([]byte(nil), e.data...)
		c.mu.RUnlock()

		if c.cfg.TrackStats {
			c.statsMu.Lock()
			c.stats.Hits++
			c.statsMu.Unlock()
		}

		c.mu.Lock()
		if live, ok := c.entries[topic]; ok {
			live.touch()
		}
		c.mu.Unlock()

		return data, true
	}
	c.mu.RUnlock()

	if c.cfg.TrackStats {
		c.statsMu.Lock()
		c.stats.Misses++
		c.statsMu.Unlock()
	}
	return nil, false
}

// Put stores data under topic using the cache's default TTL.
func (c *Cache) Put(topic string, data []byte) bool {
	return c.PutWithTTL(topic, data, c.cfg.DefaultTTL)
}

// PutWithTTL stores data under topic with an explicit TTL. Returns false
// (without storing) if data exceeds MaxEntrySize.
func (c *Cache) PutWithTTL(topic string, data []byte, ttl time.Duration) bool {
	if len(data) > c.cfg.MaxEntrySize {
		return false
	}

	c.mu.Lock()
	if len(c.entries) >= c.cfg.MaxEntries {
		if _, exists := c.entries[topic]; !exists {
			c.evictOne()
		}
	}

	prev, existed := c.entries[topic]
	c.entries[topic] = newEntry(data, ttl)
	entryCount := len(c.entries)
	c.mu.Unlock()

	if c.cfg.TrackStats {
		c.statsMu.Lock()
		c.stats.Entries = entryCount
		if existed {
			c.stats.BytesStored = saturatingSub(c.stats.BytesStored, len(prev.data))
		}
		c.stats.BytesStored += len(data)
		c.statsMu.Unlock()
	}

	return true
}

// Remove deletes topic's cached entry, reporting whether it was present.
func (c *Cache) Remove(topic string) bool {
	c.mu.Lock()
	e, ok := c.entries[topic]
	if ok {
		delete(c.entries, topic)
	}
	entryCount := len(c.entries)
	c.mu.Unlock()

	if !ok {
		return false
	}

	if c.cfg.TrackStats {
		c.statsMu.Lock()
		c.stats.Entries = entryCount
		c.stats.BytesStored = saturatingSub(c.stats.BytesStored, len(e.data))
		c.statsMu.Unlock()
	}
	return true
}

// Contains reports whether topic has a live (non-expired) entry.
func (c *Cache) Contains(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[topic]
	return ok && !e.isExpired()
}

// TimeUntilExpiry returns the remaining TTL for topic, if cached.
func (c *Cache) TimeUntilExpiry(topic string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[topic]
	if !ok {
		return 0, false
	}
	return e.timeUntilExpiry(), true
}

// Clear removes every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	if c.cfg.TrackStats {
		c.statsMu.Lock()
		c.stats.Entries = 0
		c.stats.BytesStored = 0
		c.statsMu.Unlock()
	}
}

// CleanupExpired removes every expired entry and returns the count removed.
// Not called implicitly by Get/Put; only the background sweep and callers
// invoke it.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	initial := len(c.entries)
	bytesFreed := 0
	for topic, e := range c.entries {
		if e.isExpired() {
			bytesFreed += len(e.data)
			delete(c.entries, topic)
		}
	}
	removed := initial - len(c.entries)
	entryCount := len(c.entries)
	c.mu.Unlock()

	if c.cfg.TrackStats && removed > 0 {
		c.statsMu.Lock()
		c.stats.Entries = entryCount
		c.stats.BytesStored = saturatingSub(c.stats.BytesStored, bytesFreed)
		c.stats.Expirations += uint64(removed)
		c.statsMu.Unlock()
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// Topics returns every cached topic name, expired or not.
func (c *Cache) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, 0, len(c.entries))
	for t := range c.entries {
		topics = append(topics, t)
	}
	return topics
}

// Len returns the number of entries currently stored.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// IsEmpty reports whether the cache holds no entries.
func (c *Cache) IsEmpty() bool { return c.Len() == 0 }

// EntriesInfo reports per-entry metadata for monitoring.
func (c *Cache) EntriesInfo() []EntryInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	infos := make([]EntryInfo, 0, len(c.entries))
	for topic, e := range c.entries {
		infos = append(infos, EntryInfo{
			Topic:           topic,
			Size:            len(e.data),
			Age:             e.age(),
			TimeUntilExpiry: e.timeUntilExpiry(),
			AccessCount:     e.accessCount,
		})
	}
	return infos
}

// EvictionCandidate previews which topic would be evicted next, without
// mutating cache state. Returns ("", false) when the cache is empty.
func (c *Cache) EvictionCandidate() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topic, _, ok := c.oldest()
	return topic, ok
}

// evictOne removes the least-recently-accessed entry. Caller holds c.mu.
func (c *Cache) evictOne() {
	topic, e, ok := c.oldest()
	if !ok {
		return
	}
	delete(c.entries, topic)

	if c.cfg.TrackStats {
		c.statsMu.Lock()
		c.stats.Evictions++
		c.stats.BytesStored = saturatingSub(c.stats.BytesStored, len(e.data))
		c.statsMu.Unlock()
	}
}

// oldest finds the least-recently-accessed entry. Caller holds c.mu (read
// or write).
func (c *Cache) oldest() (string, *entry, bool) {
	var (
		topic string
		found *entry
	)
	for t, e := range c.entries {
		if found == nil || e.lastAccessed.Before(found.lastAccessed) {
			topic, found = t, e
		}
	}
	if found == nil {
		return "", nil, false
	}
	return topic, found, true
}

func saturatingSub(a, b int) int {
	if b > a {
		return 0
	}
	return a - b
}
