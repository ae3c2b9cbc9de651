package volume

import (
	"context"

	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/internal/tracker"
	"github.com/sftpvol/sftpvol/pkg/types"
)

// Entry is one element of an enumeration. ID is the inode number Lookup
// will report for the entry, which stays untracked until then. Cookie is the
// 1-based position of the entry in the listing snapshot; passing it back
// resumes after it.
type Entry struct {
	Name   string     `json:"name"`
	ID     uint64     `json:"id"`
	Attr   types.Attr `json:"attr"`
	Cookie uint64     `json:"cookie"`
}

// ReadDir enumerates dir starting after cookie. Cookie 0 starts a new
// enumeration from a fresh listing; later calls page through the same
// snapshot so concurrent changes cannot shift positions. max <= 0 returns
// everything that is left.
func (v *Volume) ReadDir(ctx context.Context, dir tracker.Handle, cookie uint64, max int) ([]Entry, error) {
	p, err := v.pathOf(dir)
	if err != nil {
		return nil, err
	}

	var entries []types.DirEntry
	if cookie > 0 {
		entries = v.snapshot(dir)
	}
	if entries == nil {
		if entries, err = v.listing(ctx, p); err != nil {
			return nil, err
		}
		v.listMu.Lock()
		v.listings[dir] = entries
		v.listMu.Unlock()
	}

	if cookie >= uint64(len(entries)) {
		return []Entry{}, nil
	}
	rest := entries[cookie:]
	if max > 0 && len(rest) > max {
		rest = rest[:max]
	}

	out := make([]Entry, 0, len(rest))
	for i, e := range rest {
		out = append(out, Entry{
			Name:   e.Name,
			ID:     v.items.Peek(e.Attr.Path),
			Attr:   e.Attr,
			Cookie: cookie + uint64(i) + 1,
		})
	}
	return out, nil
}

// listing returns the entries of p from the cache or the primary session.
func (v *Volume) listing(ctx context.Context, p string) ([]types.DirEntry, error) {
	if entries, ok := v.cache.GetDir(p); ok {
		return entries, nil
	}
	gen := v.cache.Generation()
	var entries []types.DirEntry
	err := v.execute(ctx, "readdir", v.primary, func(ctx context.Context, s *session.Session) error {
		var err error
		entries, err = s.ReadDir(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []types.DirEntry{}
	}
	v.cache.PutDirAt(gen, p, entries)
	return entries, nil
}

func (v *Volume) snapshot(dir tracker.Handle) []types.DirEntry {
	v.listMu.Lock()
	defer v.listMu.Unlock()
	return v.listings[dir]
}

func (v *Volume) dropListing(dir tracker.Handle) {
	v.listMu.Lock()
	delete(v.listings, dir)
	v.listMu.Unlock()
}
