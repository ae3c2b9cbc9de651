package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sftpvol/sftpvol/pkg/types"
	"github.com/sftpvol/sftpvol/pkg/utils"
)

// Namespaces reported to metrics.
const (
	NamespaceAttr = "attr"
	NamespaceDir  = "dir"
)

// Config represents metadata cache configuration
type Config struct {
	AttrTTL    time.Duration `yaml:"attr_ttl"`
	DirTTL     time.Duration `yaml:"dir_ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Invalidations uint64  `json:"invalidations"`
	Flushes       uint64  `json:"flushes"`
	AttrEntries   int     `json:"attr_entries"`
	DirEntries    int     `json:"dir_entries"`
	HitRate       float64 `json:"hit_rate"`
}

// minTrackedInvalidations bounds how few invalidated paths are remembered
// for rejecting late fills.
const minTrackedInvalidations = 1024

// Generation orders fills against invalidations. Take one with Generation
// before reading the remote and pass it to PutAttrAt or PutDirAt.
type Generation uint64

// MetadataCache holds attributes and directory listings keyed by remote
// path, each namespace with its own TTL. An expired entry is never
// returned. A zero TTL disables the namespace.
type MetadataCache struct {
	attrs   *expirable.LRU[string, types.Attr]
	dirs    *expirable.LRU[string, []types.DirEntry]
	metrics types.MetricsCollector

	// mu orders guarded fills against invalidations. seq advances on every
	// invalidation; invalidated records the generation at which a path was
	// last dropped, and floor covers paths it has forgotten and InvalidateAll.
	mu          sync.Mutex
	seq         Generation
	floor       Generation
	invalidated *lru.Cache[string, Generation]

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
	flushes       atomic.Uint64
}

// New creates a metadata cache.
func New(cfg Config, metrics types.MetricsCollector) *MetadataCache {
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	c := &MetadataCache{metrics: metrics}
	if cfg.AttrTTL > 0 {
		c.attrs = expirable.NewLRU[string, types.Attr](cfg.MaxEntries, nil, cfg.AttrTTL)
	}
	if cfg.DirTTL > 0 {
		c.dirs = expirable.NewLRU[string, []types.DirEntry](cfg.MaxEntries, nil, cfg.DirTTL)
	}
	size := cfg.MaxEntries
	if size < minTrackedInvalidations {
		size = minTrackedInvalidations
	}
	invalidated, err := lru.NewWithEvict(size, func(_ string, gen Generation) {
		if gen > c.floor {
			c.floor = gen
		}
	})
	if err != nil {
		panic(err)
	}
	c.invalidated = invalidated
	return c
}

// Generation returns the current generation. A fill tagged with it is
// rejected if any path it covers is invalidated afterwards.
func (c *MetadataCache) Generation() Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// fresh reports whether path was not invalidated after gen. c.mu is held.
func (c *MetadataCache) fresh(path string, gen Generation) bool {
	if c.floor > gen {
		return false
	}
	last, ok := c.invalidated.Peek(path)
	return !ok || last <= gen
}

// bump advances the generation and records it for paths. c.mu is held.
func (c *MetadataCache) bump(paths ...string) Generation {
	c.seq++
	for _, p := range paths {
		c.invalidated.Add(p, c.seq)
	}
	return c.seq
}

// GetAttr returns cached attributes for path.
func (c *MetadataCache) GetAttr(path string) (types.Attr, bool) {
	if c.attrs == nil {
		return types.Attr{}, false
	}
	attr, ok := c.attrs.Get(path)
	c.record(NamespaceAttr, ok)
	return attr, ok
}

// PutAttr caches attributes for path unconditionally.
func (c *MetadataCache) PutAttr(path string, attr types.Attr) {
	if c.attrs == nil {
		return
	}
	c.attrs.Add(path, attr)
}

// PutAttrAt caches attributes read at gen unless path was invalidated
// since. It reports whether the entry was stored.
func (c *MetadataCache) PutAttrAt(gen Generation, path string, attr types.Attr) bool {
	if c.attrs == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fresh(path, gen) {
		return false
	}
	c.attrs.Add(path, attr)
	return true
}

// GetDir returns the cached listing of dir. The slice must not be modified.
func (c *MetadataCache) GetDir(dir string) ([]types.DirEntry, bool) {
	if c.dirs == nil {
		return nil, false
	}
	entries, ok := c.dirs.Get(dir)
	c.record(NamespaceDir, ok)
	return entries, ok
}

// PutDir caches the listing of dir and the attributes of its children.
func (c *MetadataCache) PutDir(dir string, entries []types.DirEntry) {
	c.putDir(dir, entries, func(string) bool { return true })
}

// PutDirAt caches a listing read at gen. The listing is dropped if dir was
// invalidated since, and so is the attribute of every child invalidated
// since. It reports whether the listing was stored.
func (c *MetadataCache) PutDirAt(gen Generation, dir string, entries []types.DirEntry) bool {
	if !c.Enabled() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fresh(dir, gen) {
		return false
	}
	return c.putDir(dir, entries, func(p string) bool { return c.fresh(p, gen) })
}

func (c *MetadataCache) putDir(dir string, entries []types.DirEntry, fresh func(string) bool) bool {
	if c.attrs != nil {
		for _, e := range entries {
			if fresh(e.Attr.Path) {
				c.attrs.Add(e.Attr.Path, e.Attr)
			}
		}
	}
	if c.dirs == nil {
		return false
	}
	snapshot := make([]types.DirEntry, len(entries))
	copy(snapshot, entries)
	c.dirs.Add(dir, snapshot)
	return true
}

// Invalidate drops both namespaces for path and, when includeParent is set,
// for its parent directory. Fills taken at an earlier generation can no
// longer store these paths. It returns the new generation, which a caller
// may use to cache what it read after its own mutation.
func (c *MetadataCache) Invalidate(path string, includeParent bool) Generation {
	c.invalidations.Add(1)
	paths := []string{path}
	if includeParent {
		if parent := utils.Parent(path); parent != path {
			paths = append(paths, parent)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.bump(paths...)
	for _, p := range paths {
		c.remove(p)
	}
	return gen
}

// InvalidateListing drops only the cached listing of dir. Content changes
// use it to keep child attributes in the parent's snapshot from going stale.
func (c *MetadataCache) InvalidateListing(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bump(dir)
	if c.dirs != nil {
		c.dirs.Remove(dir)
	}
}

// InvalidateAll empties both namespaces and rejects every fill in flight.
func (c *MetadataCache) InvalidateAll() {
	c.flushes.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.floor = c.bump()
	if c.attrs != nil {
		c.attrs.Purge()
	}
	if c.dirs != nil {
		c.dirs.Purge()
	}
}

// Enabled reports whether either namespace caches anything.
func (c *MetadataCache) Enabled() bool {
	return c.attrs != nil || c.dirs != nil
}

// Stats returns a snapshot of cache counters.
func (c *MetadataCache) Stats() Stats {
	s := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		Flushes:       c.flushes.Load(),
	}
	if c.attrs != nil {
		s.AttrEntries = c.attrs.Len()
	}
	if c.dirs != nil {
		s.DirEntries = c.dirs.Len()
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *MetadataCache) remove(path string) {
	if c.attrs != nil {
		c.attrs.Remove(path)
	}
	if c.dirs != nil {
		c.dirs.Remove(path)
	}
}

func (c *MetadataCache) record(namespace string, hit bool) {
	if hit {
		c.hits.Add(1)
		c.metrics.RecordCacheHit(namespace)
		return
	}
	c.misses.Add(1)
	c.metrics.RecordCacheMiss(namespace)
}
