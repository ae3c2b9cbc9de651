package session

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/sftp"
)

// DefaultHandleCacheSize is the number of open remote files kept per session.
const DefaultHandleCacheSize = 16

// handleEntry is one open remote file.
type handleEntry struct {
	file     *sftp.File
	writable bool
	lastUsed time.Time
}

// handleCache keeps at most one open remote file per path, evicting the
// least recently used. Evicted files are closed by the eviction callback,
// which golang-lru runs outside its lock.
type handleCache struct {
	cache *lru.Cache[string, *handleEntry]
	// discarding suppresses the remote close while handles of a dead
	// connection are dropped.
	discarding atomic.Bool
}

func newHandleCache(size int, onEvict func(path string)) *handleCache {
	if size <= 0 {
		size = DefaultHandleCacheSize
	}
	h := &handleCache{}
	cache, err := lru.NewWithEvict(size, func(path string, e *handleEntry) {
		if h.discarding.Load() {
			return
		}
		_ = e.file.Close()
		if onEvict != nil {
			onEvict(path)
		}
	})
	if err != nil {
		panic(err)
	}
	h.cache = cache
	return h
}

// lookup returns a cached handle usable for the requested access. A
// read-only handle is closed and dropped when write access is requested.
func (h *handleCache) lookup(path string, forWriting bool) (*sftp.File, bool) {
	e, ok := h.cache.Get(path)
	if !ok {
		return nil, false
	}
	if e.writable || !forWriting {
		e.lastUsed = time.Now()
		return e.file, true
	}
	h.cache.Remove(path)
	return nil, false
}

// store caches a freshly opened handle. If another usable handle for the
// path appeared meanwhile, f is closed and the cached one returned.
func (h *handleCache) store(path string, f *sftp.File, writable bool) *sftp.File {
	if e, ok := h.cache.Peek(path); ok {
		if e.writable || !writable {
			_ = f.Close()
			return e.file
		}
		h.cache.Remove(path)
	}
	h.cache.Add(path, &handleEntry{file: f, writable: writable, lastUsed: time.Now()})
	return f
}

// peek returns the cached handle for path without changing recency.
func (h *handleCache) peek(path string) (*handleEntry, bool) {
	return h.cache.Peek(path)
}

// release closes and forgets the handle for path.
func (h *handleCache) release(path string) bool {
	return h.cache.Remove(path)
}

// discardAll forgets every handle without closing it on the server. A
// File.Close would wait on any read or write still running against it.
func (h *handleCache) discardAll() {
	h.discarding.Store(true)
	defer h.discarding.Store(false)
	h.cache.Purge()
}

func (h *handleCache) len() int {
	return h.cache.Len()
}

// keys returns cached paths from least to most recently used.
func (h *handleCache) keys() []string {
	return h.cache.Keys()
}
