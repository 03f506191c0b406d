package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()

	c.Put("test", []byte{1, 2, 3})
	data, ok := c.Get("test")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestCache_Expiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTTL = 50 * time.Millisecond
	c := New(cfg)
	defer c.Close()

	c.Put("test", []byte{1, 2, 3})
	_, ok := c.Get("test")
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	_, ok = c.Get("test")
	assert.False(t, ok)
}

func TestCache_CustomTTL(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()

	c.PutWithTTL("short", []byte{1}, 50*time.Millisecond)
	c.PutWithTTL("long", []byte{2}, time.Minute)

	time.Sleep(100 * time.Millisecond)

	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
}

func TestCache_Remove(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()

	c.Put("test", []byte{1, 2, 3})
	assert.True(t, c.Contains("test"))

	c.Remove("test")
	assert.False(t, c.Contains("test"))
}

func TestCache_CleanupExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTTL = 50 * time.Millisecond
	cfg.SweepInterval = time.Hour // disable background sweep racing the assertion
	c := New(cfg)
	defer c.Close()

	c.Put("test1", []byte{1})
	c.Put("test2", []byte{2})
	c.Put("test3", []byte{3})
	require.Equal(t, 3, c.Len())

	time.Sleep(100 * time.Millisecond)

	removed := c.CleanupExpired()
	assert.Equal(t, 3, removed)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Eviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c := New(cfg)
	defer c.Close()

	c.Put("a", []byte{1})
	time.Sleep(10 * time.Millisecond)
	c.Put("b", []byte{2})
	time.Sleep(10 * time.Millisecond)

	// Touch "a" so it is more recent than "b".
	c.Get("a")

	// Inserting "c" should evict "b" (least recently used).
	c.Put("c", []byte{3})

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
}

func TestCache_Stats(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()

	c.Put("test", []byte{1, 2, 3})

	c.Get("test")
	c.Get("test")
	c.Get("nonexistent")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.666, stats.HitRatio(), 0.01)
}

func TestCache_MaxEntrySize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntrySize = 10
	c := New(cfg)
	defer c.Close()

	assert.True(t, c.Put("small", make([]byte, 10)))
	assert.False(t, c.Put("large", make([]byte, 11)))
}

func TestCache_Clear(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()

	c.Put("a", []byte{1})
	c.Put("b", []byte{2})
	c.Put("c", []byte{3})
	require.Equal(t, 3, c.Len())

	c.Clear()

	assert.Equal(t, 0, c.Len())
	assert.True(t, c.IsEmpty())
}

func TestCache_Topics(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()

	c.Put("topic_a", []byte{1})
	c.Put("topic_b", []byte{2})

	topics := c.Topics()
	assert.Contains(t, topics, "topic_a")
	assert.Contains(t, topics, "topic_b")
}

func TestCache_EntriesInfo(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()

	c.Put("test", []byte{1, 2, 3, 4, 5})
	c.Get("test")
	c.Get("test")

	infos := c.EntriesInfo()
	require.Len(t, infos, 1)
	assert.Equal(t, "test", infos[0].Topic)
	assert.Equal(t, 5, infos[0].Size)
	assert.Equal(t, uint64(2), infos[0].AccessCount)
}

func TestCache_EvictionCandidate(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()

	_, ok := c.EvictionCandidate()
	assert.False(t, ok)

	c.Put("a", []byte{1})
	time.Sleep(10 * time.Millisecond)
	c.Put("b", []byte{2})

	candidate, ok := c.EvictionCandidate()
	require.True(t, ok)
	assert.Equal(t, "a", candidate)

	// Preview must not mutate state: "a" is still the candidate.
	candidate, ok = c.EvictionCandidate()
	require.True(t, ok)
	assert.Equal(t, "a", candidate)
}
