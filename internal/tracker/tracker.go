// Package tracker maps opaque integer handles to remote paths.
//
// The mapping is a bijection while an item is tracked: one handle per path
// and one path per handle. Every tracked item also carries a synthetic
// numeric ID (an inode number for the host filesystem). Handles and IDs are
// assigned from monotonic counters and are never reused while the tracker
// lives, so two live items never collide.
//
// Listing a directory does not track its entries, since the host never
// forgets items it only enumerated. Peek reserves the ID an entry will get
// once it is looked up, so both report the same inode number.
package tracker

import (
	"path"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultReservations bounds the IDs held for enumerated but untracked paths.
const DefaultReservations = 4096

// Handle identifies a tracked item. The zero handle is never assigned.
type Handle uint64

// RootID is the ID of the first tracked item, the volume root.
const RootID uint64 = 1

// Item is one tracked filesystem entry.
type Item struct {
	Handle Handle `json:"handle"`
	Path   string `json:"path"`
	ID     uint64 `json:"id"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	byHandle   map[Handle]Item
	byPath     map[string]Handle
	nextHandle Handle
	nextID     uint64
	root       Handle
	reserved   *lru.Cache[string, uint64]
}

// New creates an empty tracker.
func New() *Tracker {
	reserved, err := lru.New[string, uint64](DefaultReservations)
	if err != nil {
		panic(err)
	}
	return &Tracker{
		byHandle:   make(map[Handle]Item),
		byPath:     make(map[string]Handle),
		nextHandle: 1,
		nextID:     RootID,
		reserved:   reserved,
	}
}

// Track returns the item for p, creating it on first reference.
func (t *Tracker) Track(p string) Item {
	p = path.Clean(p)

	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.byPath[p]; ok {
		return t.byHandle[h]
	}
	item := Item{Handle: t.nextHandle, Path: p}
	t.nextHandle++
	if id, ok := t.reserved.Peek(p); ok {
		item.ID = id
		t.reserved.Remove(p)
	} else {
		item.ID = t.nextID
		t.nextID++
	}
	t.byHandle[item.Handle] = item
	t.byPath[p] = item.Handle
	return item
}

// Peek returns the ID of the item at p without tracking it. An untracked
// path gets a reserved ID that Track hands out later; only the most recent
// DefaultReservations reservations are kept.
func (t *Tracker) Peek(p string) uint64 {
	p = path.Clean(p)

	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.byPath[p]; ok {
		return t.byHandle[h].ID
	}
	if id, ok := t.reserved.Get(p); ok {
		return id
	}
	id := t.nextID
	t.nextID++
	t.reserved.Add(p, id)
	return id
}

// Reserved returns the number of IDs held for untracked paths.
func (t *Tracker) Reserved() int {
	return t.reserved.Len()
}

// TrackRoot tracks p as the root. The root is never untracked.
func (t *Tracker) TrackRoot(p string) Item {
	item := t.Track(p)
	t.mu.Lock()
	t.root = item.Handle
	t.mu.Unlock()
	return item
}

// Root returns the root item, if one was tracked.
func (t *Tracker) Root() (Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.byHandle[t.root]
	return item, ok
}

// Get returns the item for h.
func (t *Tracker) Get(h Handle) (Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.byHandle[h]
	return item, ok
}

// Path returns the remote path for h.
func (t *Tracker) Path(h Handle) (string, bool) {
	item, ok := t.Get(h)
	return item.Path, ok
}

// Lookup returns the item tracked at p.
func (t *Tracker) Lookup(p string) (Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.byPath[path.Clean(p)]
	if !ok {
		return Item{}, false
	}
	return t.byHandle[h], true
}

// Untrack forgets h. It reports whether anything was removed.
func (t *Tracker) Untrack(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h == t.root {
		return false
	}
	item, ok := t.byHandle[h]
	if !ok {
		return false
	}
	delete(t.byHandle, h)
	delete(t.byPath, item.Path)
	return true
}

// UntrackPath forgets the item at p and everything tracked below it.
// It returns the number of items removed.
func (t *Tracker) UntrackPath(p string) int {
	p = path.Clean(p)
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for candidate, h := range t.byPath {
		if candidate != p && !strings.HasPrefix(candidate, prefix) {
			continue
		}
		if h == t.root {
			continue
		}
		delete(t.byPath, candidate)
		delete(t.byHandle, h)
		removed++
	}
	return removed
}

// Len returns the number of tracked items.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byHandle)
}

// Items returns a snapshot of every tracked item.
func (t *Tracker) Items() []Item {
	t.mu.RLock()
	defer t.mu.RUnlock()
	items := make([]Item, 0, len(t.byHandle))
	for _, item := range t.byHandle {
		items = append(items, item)
	}
	return items
}
