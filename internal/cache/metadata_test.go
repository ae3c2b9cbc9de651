package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sftpvol/sftpvol/pkg/types"
)

type countingMetrics struct {
	types.NopMetrics
	mu     sync.Mutex
	hits   map[string]int
	misses map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{hits: map[string]int{}, misses: map[string]int{}}
}

func (m *countingMetrics) RecordCacheHit(ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[ns]++
}

func (m *countingMetrics) RecordCacheMiss(ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[ns]++
}

func attr(p string, size int64) types.Attr {
	return types.Attr{Path: p, Size: size}
}

func TestGetPut(t *testing.T) {
	t.Parallel()
	metrics := newCountingMetrics()
	c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute}, metrics)

	_, ok := c.GetAttr("/a")
	assert.False(t, ok)

	c.PutAttr("/a", attr("/a", 10))
	got, ok := c.GetAttr("/a")
	require.True(t, ok)
	assert.EqualValues(t, 10, got.Size)

	assert.Equal(t, 1, metrics.hits[NamespaceAttr])
	assert.Equal(t, 1, metrics.misses[NamespaceAttr])

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestExpiredEntriesAreMisses(t *testing.T) {
	t.Parallel()
	c := New(Config{AttrTTL: 30 * time.Millisecond, DirTTL: 30 * time.Millisecond}, nil)

	c.PutAttr("/a", attr("/a", 1))
	c.PutDir("/", []types.DirEntry{{Name: "a", Attr: attr("/a", 1)}})

	time.Sleep(60 * time.Millisecond)

	_, ok := c.GetAttr("/a")
	assert.False(t, ok, "expired attributes must not be returned")
	_, ok = c.GetDir("/")
	assert.False(t, ok, "expired listing must not be returned")
}

func TestZeroTTLDisables(t *testing.T) {
	t.Parallel()
	c := New(Config{}, nil)
	assert.False(t, c.Enabled())

	c.PutAttr("/a", attr("/a", 1))
	c.PutDir("/", nil)
	_, ok := c.GetAttr("/a")
	assert.False(t, ok)
	_, ok = c.GetDir("/")
	assert.False(t, ok)

	c.Invalidate("/a", true)
	c.InvalidateAll()
}

func TestPutDirPrimesChildren(t *testing.T) {
	t.Parallel()
	c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute}, nil)

	entries := []types.DirEntry{
		{Name: "a", Attr: attr("/d/a", 1)},
		{Name: "b", Attr: attr("/d/b", 2)},
	}
	c.PutDir("/d", entries)
	entries[0].Name = "mutated"

	listing, ok := c.GetDir("/d")
	require.True(t, ok)
	assert.Equal(t, "a", listing[0].Name, "cache keeps its own snapshot")

	b, ok := c.GetAttr("/d/b")
	require.True(t, ok)
	assert.EqualValues(t, 2, b.Size)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute}, nil)

	seed := func() {
		c.PutAttr("/d", attr("/d", 0))
		c.PutDir("/d", []types.DirEntry{{Name: "f", Attr: attr("/d/f", 1)}})
		c.PutAttr("/d/f", attr("/d/f", 1))
	}

	t.Run("path only", func(t *testing.T) {
		seed()
		c.Invalidate("/d/f", false)
		_, ok := c.GetAttr("/d/f")
		assert.False(t, ok)
		_, ok = c.GetDir("/d")
		assert.True(t, ok, "parent listing survives")
	})

	t.Run("with parent", func(t *testing.T) {
		seed()
		c.Invalidate("/d/f", true)
		_, ok := c.GetAttr("/d/f")
		assert.False(t, ok)
		_, ok = c.GetAttr("/d")
		assert.False(t, ok)
		_, ok = c.GetDir("/d")
		assert.False(t, ok)
	})

	t.Run("listing only", func(t *testing.T) {
		seed()
		c.InvalidateListing("/d")
		_, ok := c.GetDir("/d")
		assert.False(t, ok)
		_, ok = c.GetAttr("/d")
		assert.True(t, ok)
	})

	t.Run("root is its own parent", func(t *testing.T) {
		c.PutAttr("/", attr("/", 0))
		c.Invalidate("/", true)
		_, ok := c.GetAttr("/")
		assert.False(t, ok)
	})

	t.Run("all", func(t *testing.T) {
		seed()
		c.InvalidateAll()
		stats := c.Stats()
		assert.Zero(t, stats.AttrEntries)
		assert.Zero(t, stats.DirEntries)
		assert.NotZero(t, stats.Flushes)
	})
}

func TestFillsRacingInvalidation(t *testing.T) {
	t.Parallel()

	t.Run("attr read before a write", func(t *testing.T) {
		c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute}, nil)
		gen := c.Generation()
		c.Invalidate("/f", false)
		assert.False(t, c.PutAttrAt(gen, "/f", attr("/f", 1)))
		_, ok := c.GetAttr("/f")
		assert.False(t, ok, "the pre-write size must not be cached")

		assert.True(t, c.PutAttrAt(c.Generation(), "/f", attr("/f", 2)))
		got, ok := c.GetAttr("/f")
		require.True(t, ok)
		assert.EqualValues(t, 2, got.Size)
	})

	t.Run("unrelated paths still fill", func(t *testing.T) {
		c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute}, nil)
		gen := c.Generation()
		c.Invalidate("/other", false)
		assert.True(t, c.PutAttrAt(gen, "/f", attr("/f", 1)))
	})

	t.Run("listing read before a create", func(t *testing.T) {
		c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute}, nil)
		gen := c.Generation()
		c.Invalidate("/d/new", true)
		assert.False(t, c.PutDirAt(gen, "/d", []types.DirEntry{{Name: "old", Attr: attr("/d/old", 1)}}))
		_, ok := c.GetDir("/d")
		assert.False(t, ok)
	})

	t.Run("listing keeps fresh children only", func(t *testing.T) {
		c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute}, nil)
		gen := c.Generation()
		c.Invalidate("/d/a", false)
		stored := c.PutDirAt(gen, "/d", []types.DirEntry{
			{Name: "a", Attr: attr("/d/a", 1)},
			{Name: "b", Attr: attr("/d/b", 2)},
		})
		assert.True(t, stored)
		_, ok := c.GetAttr("/d/a")
		assert.False(t, ok)
		_, ok = c.GetAttr("/d/b")
		assert.True(t, ok)
	})

	t.Run("flush rejects everything in flight", func(t *testing.T) {
		c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute}, nil)
		gen := c.Generation()
		c.InvalidateAll()
		assert.False(t, c.PutAttrAt(gen, "/f", attr("/f", 1)))
		assert.False(t, c.PutDirAt(gen, "/d", nil))
	})

	t.Run("forgotten invalidations stay rejected", func(t *testing.T) {
		c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute}, nil)
		gen := c.Generation()
		c.Invalidate("/f", false)
		for i := 0; i < 2*minTrackedInvalidations; i++ {
			c.Invalidate(fmt.Sprintf("/x%d", i), false)
		}
		assert.False(t, c.PutAttrAt(gen, "/f", attr("/f", 1)))
	})

	t.Run("own mutation result is kept", func(t *testing.T) {
		c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute}, nil)
		gen := c.Invalidate("/d/f", true)
		assert.True(t, c.PutAttrAt(gen, "/d/f", attr("/d/f", 0)))
	})
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := New(Config{AttrTTL: time.Minute, DirTTL: time.Minute, MaxEntries: 64}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p := "/f"
				c.PutAttr(p, attr(p, int64(j)))
				c.GetAttr(p)
				if j%10 == 0 {
					c.Invalidate(p, true)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Stats().AttrEntries, 64)
}
