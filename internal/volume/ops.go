package volume

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/internal/tracker"
	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/types"
	"github.com/sftpvol/sftpvol/pkg/utils"
)

// pathOf resolves a handle to its tracked path.
func (v *Volume) pathOf(h tracker.Handle) (string, error) {
	p, ok := v.items.Path(h)
	if !ok {
		return "", errors.Newf(errors.ErrCodeItemNotFound, "handle %d is not tracked", h).
			WithComponent("volume")
	}
	return p, nil
}

// childOf resolves a parent handle and validates name.
func (v *Volume) childOf(parent tracker.Handle, name string) (dir, child string, err error) {
	dir, err = v.pathOf(parent)
	if err != nil {
		return "", "", err
	}
	if err := utils.ValidateName(name); err != nil {
		return "", "", errors.NewError(errors.ErrCodeInvalidFormat, err.Error()).
			WithComponent("volume").
			WithPath(dir)
	}
	return dir, childPath(dir, name), nil
}

func notFound(p string) error {
	return errors.Newf(errors.ErrCodeSFTP, "%s does not exist", p).
		WithComponent("volume").
		WithPath(p).
		WithSFTPStatus(errors.StatusNoSuchFile)
}

// stat returns the attributes of p from the cache or the primary session.
func (v *Volume) stat(ctx context.Context, op, p string) (types.Attr, error) {
	if attr, ok := v.cache.GetAttr(p); ok {
		return attr, nil
	}
	gen := v.cache.Generation()
	var attr types.Attr
	err := v.execute(ctx, op, v.primary, func(ctx context.Context, s *session.Session) error {
		var err error
		attr, err = s.Lstat(ctx, p)
		return err
	})
	if err != nil {
		return types.Attr{}, err
	}
	v.cache.PutAttrAt(gen, p, attr)
	return attr, nil
}

// Lookup finds name in the parent directory and tracks it. Symlinks are
// reported as links.
func (v *Volume) Lookup(ctx context.Context, parent tracker.Handle, name string) (tracker.Item, types.Attr, error) {
	dir, child, err := v.childOf(parent, name)
	if err != nil {
		return tracker.Item{}, types.Attr{}, err
	}

	if _, ok := v.cache.GetAttr(child); !ok {
		if entries, ok := v.cache.GetDir(dir); ok && !containsName(entries, name) {
			return tracker.Item{}, types.Attr{}, notFound(child)
		}
	}

	attr, err := v.stat(ctx, "lookup", child)
	if err != nil {
		return tracker.Item{}, types.Attr{}, err
	}
	return v.items.Track(child), attr, nil
}

// Resolve tracks an absolute remote path below the root. Host adapters use
// it to recover a handle after the item was untracked by a rename or a
// reclaim.
func (v *Volume) Resolve(ctx context.Context, p string) (tracker.Item, types.Attr, error) {
	root := v.Root()
	if err := utils.ValidatePath(p); err != nil || !utils.IsWithin(root, p) {
		return tracker.Item{}, types.Attr{}, errors.Newf(errors.ErrCodeInvalidFormat, "%s is outside the volume", p).
			WithComponent("volume")
	}
	attr, err := v.stat(ctx, "lookup", p)
	if err != nil {
		return tracker.Item{}, types.Attr{}, err
	}
	return v.items.Track(p), attr, nil
}

// Item returns the tracked item behind h.
func (v *Volume) Item(h tracker.Handle) (tracker.Item, bool) {
	return v.items.Get(h)
}

// GetAttr returns the attributes of a tracked item.
func (v *Volume) GetAttr(ctx context.Context, h tracker.Handle) (types.Attr, error) {
	p, err := v.pathOf(h)
	if err != nil {
		return types.Attr{}, err
	}
	return v.stat(ctx, "getattr", p)
}

// SetAttr applies set and returns the fresh attributes.
func (v *Volume) SetAttr(ctx context.Context, h tracker.Handle, set types.SetAttr) (types.Attr, error) {
	p, err := v.pathOf(h)
	if err != nil {
		return types.Attr{}, err
	}
	if set.Empty() {
		return v.stat(ctx, "getattr", p)
	}

	var attr types.Attr
	err = v.execute(ctx, "setattr", v.primary, func(ctx context.Context, s *session.Session) error {
		if err := s.Setstat(ctx, p, set); err != nil {
			return err
		}
		var err error
		attr, err = s.Lstat(ctx, p)
		return err
	})
	v.cache.InvalidateListing(utils.Parent(p))
	gen := v.cache.Invalidate(p, false)
	if err != nil {
		return types.Attr{}, err
	}
	v.cache.PutAttrAt(gen, p, attr)
	return attr, nil
}

// Create makes a new regular file in parent and tracks it.
func (v *Volume) Create(ctx context.Context, parent tracker.Handle, name string, mode os.FileMode) (tracker.Item, types.Attr, error) {
	_, child, err := v.childOf(parent, name)
	if err != nil {
		return tracker.Item{}, types.Attr{}, err
	}

	var attr types.Attr
	err = v.execute(ctx, "create", v.primary, func(ctx context.Context, s *session.Session) error {
		var err error
		attr, err = s.Create(ctx, child, mode)
		// Writes go through the path's write worker.
		s.ReleaseHandle(child)
		return err
	})
	gen := v.cache.Invalidate(child, true)
	if err != nil {
		return tracker.Item{}, types.Attr{}, err
	}
	v.cache.PutAttrAt(gen, child, attr)
	return v.items.Track(child), attr, nil
}

// Mkdir makes a new directory in parent and tracks it.
func (v *Volume) Mkdir(ctx context.Context, parent tracker.Handle, name string, mode os.FileMode) (tracker.Item, types.Attr, error) {
	_, child, err := v.childOf(parent, name)
	if err != nil {
		return tracker.Item{}, types.Attr{}, err
	}

	var attr types.Attr
	err = v.execute(ctx, "mkdir", v.primary, func(ctx context.Context, s *session.Session) error {
		if err := s.Mkdir(ctx, child, mode); err != nil {
			return err
		}
		var err error
		attr, err = s.Lstat(ctx, child)
		return err
	})
	gen := v.cache.Invalidate(child, true)
	if err != nil {
		return tracker.Item{}, types.Attr{}, err
	}
	v.cache.PutAttrAt(gen, child, attr)
	return v.items.Track(child), attr, nil
}

// Symlink creates name in parent pointing at target.
func (v *Volume) Symlink(ctx context.Context, parent tracker.Handle, name, target string) (tracker.Item, types.Attr, error) {
	_, child, err := v.childOf(parent, name)
	if err != nil {
		return tracker.Item{}, types.Attr{}, err
	}
	if target == "" {
		return tracker.Item{}, types.Attr{}, errors.NewError(errors.ErrCodeInvalidFormat, "symlink target cannot be empty").
			WithComponent("volume")
	}

	var attr types.Attr
	err = v.execute(ctx, "symlink", v.primary, func(ctx context.Context, s *session.Session) error {
		if err := s.Symlink(ctx, target, child); err != nil {
			return err
		}
		var err error
		attr, err = s.Lstat(ctx, child)
		return err
	})
	gen := v.cache.Invalidate(child, true)
	if err != nil {
		return tracker.Item{}, types.Attr{}, err
	}
	v.cache.PutAttrAt(gen, child, attr)
	return v.items.Track(child), attr, nil
}

// Readlink returns the target of a symlink.
func (v *Volume) Readlink(ctx context.Context, h tracker.Handle) (string, error) {
	p, err := v.pathOf(h)
	if err != nil {
		return "", err
	}
	var target string
	err = v.execute(ctx, "readlink", v.primary, func(ctx context.Context, s *session.Session) error {
		var err error
		target, err = s.Readlink(ctx, p)
		return err
	})
	return target, err
}

// Remove deletes a file or symlink and forgets its identity.
func (v *Volume) Remove(ctx context.Context, parent tracker.Handle, name string) error {
	_, child, err := v.childOf(parent, name)
	if err != nil {
		return err
	}
	v.releaseEverywhere(ctx, child)

	err = v.execute(ctx, "remove", v.primary, func(ctx context.Context, s *session.Session) error {
		return s.Remove(ctx, child)
	})
	v.cache.Invalidate(child, true)
	if err != nil {
		return err
	}
	v.forget(child)
	return nil
}

// Rmdir deletes an empty directory and forgets its identity.
func (v *Volume) Rmdir(ctx context.Context, parent tracker.Handle, name string) error {
	_, child, err := v.childOf(parent, name)
	if err != nil {
		return err
	}

	err = v.execute(ctx, "rmdir", v.primary, func(ctx context.Context, s *session.Session) error {
		return s.Rmdir(ctx, child)
	})
	v.cache.Invalidate(child, true)
	if err != nil {
		return err
	}
	v.forget(child)
	return nil
}

// Rename moves an item, replacing the destination when it exists. Both
// identities are forgotten; callers re-resolve the new path.
func (v *Volume) Rename(ctx context.Context, srcParent tracker.Handle, srcName string, dstParent tracker.Handle, dstName string) error {
	_, src, err := v.childOf(srcParent, srcName)
	if err != nil {
		return err
	}
	_, dst, err := v.childOf(dstParent, dstName)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	v.releaseEverywhere(ctx, src)
	v.releaseEverywhere(ctx, dst)

	err = v.execute(ctx, "rename", v.primary, func(ctx context.Context, s *session.Session) error {
		return s.Rename(ctx, src, dst)
	})
	v.cache.Invalidate(src, true)
	v.cache.Invalidate(dst, true)
	if err != nil {
		return err
	}
	v.forget(src)
	v.forget(dst)
	return nil
}

// Open prepares an item for I/O. Opening for writing caches a write handle
// on the path's write worker; reads open lazily on whichever read worker
// serves them.
func (v *Volume) Open(ctx context.Context, h tracker.Handle, write bool) error {
	p, err := v.pathOf(h)
	if err != nil {
		return err
	}
	if !write {
		_, err := v.stat(ctx, "open", p)
		return err
	}
	return v.execute(ctx, "open", v.writer(p), func(ctx context.Context, s *session.Session) error {
		_, err := s.AcquireHandle(ctx, p, true)
		return err
	})
}

// CloseItem finishes I/O on an item. A written item releases its write handle,
// after a synchronous flush when the profile demands it.
func (v *Volume) CloseItem(ctx context.Context, h tracker.Handle, wasWritable bool) error {
	if !wasWritable {
		return nil
	}
	p, err := v.pathOf(h)
	if err != nil {
		return err
	}
	syncClose := v.opts.SyncClose()
	err = v.execute(ctx, "close", v.writer(p), func(ctx context.Context, s *session.Session) error {
		if syncClose {
			if err := s.Flush(ctx, p); err != nil {
				return err
			}
		}
		s.ReleaseHandle(p)
		return nil
	})
	v.cache.Invalidate(p, false)
	v.cache.InvalidateListing(utils.Parent(p))
	return err
}

// Flush commits buffered writes of an item to stable storage.
func (v *Volume) Flush(ctx context.Context, h tracker.Handle) error {
	p, err := v.pathOf(h)
	if err != nil {
		return err
	}
	return v.execute(ctx, "flush", v.writer(p), func(ctx context.Context, s *session.Session) error {
		return s.Flush(ctx, p)
	})
}

// Read returns up to length bytes at off. A short result means end of file.
func (v *Volume) Read(ctx context.Context, h tracker.Handle, off int64, length int) ([]byte, error) {
	p, err := v.pathOf(h)
	if err != nil {
		return nil, err
	}
	if off < 0 || length < 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidFormat, "negative offset or length").
			WithComponent("volume").
			WithPath(p)
	}
	if length == 0 {
		return []byte{}, nil
	}

	var data []byte
	err = v.execute(ctx, "read", v.reader(), func(ctx context.Context, s *session.Session) error {
		var err error
		data, err = s.ReadFile(ctx, p, off, length)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write stores data at off and returns the number of bytes written.
func (v *Volume) Write(ctx context.Context, h tracker.Handle, off int64, data []byte) (int, error) {
	p, err := v.pathOf(h)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.NewError(errors.ErrCodeInvalidFormat, "negative offset").
			WithComponent("volume").
			WithPath(p)
	}

	var n int
	err = v.execute(ctx, "write", v.writer(p), func(ctx context.Context, s *session.Session) error {
		var err error
		n, err = s.WriteFile(ctx, p, off, data)
		return err
	})
	v.cache.Invalidate(p, false)
	v.cache.InvalidateListing(utils.Parent(p))
	return n, err
}

// StatFS reports capacity of the filesystem holding the root.
func (v *Volume) StatFS(ctx context.Context) (types.StatFS, error) {
	root := v.Root()
	var st types.StatFS
	err := v.execute(ctx, "statfs", v.primary, func(ctx context.Context, s *session.Session) error {
		var err error
		st, err = s.StatVFS(ctx, root)
		return err
	})
	return st, err
}

// Reclaim forgets a handle the host no longer references. The root is
// never forgotten.
func (v *Volume) Reclaim(h tracker.Handle) {
	if v.items.Untrack(h) {
		v.dropListing(h)
	}
}

// forget untracks p and everything below it.
func (v *Volume) forget(p string) {
	for _, item := range v.items.Items() {
		if utils.IsWithin(p, item.Path) {
			v.dropListing(item.Handle)
		}
	}
	if n := v.items.UntrackPath(p); n > 0 {
		v.logger.Debug("Untracked items", zap.String("path", p), zap.Int("count", n))
	}
}

// releaseEverywhere closes cached handles on p, or anywhere below it, on
// every worker. Each release is queued behind the worker's pending tasks.
func (v *Volume) releaseEverywhere(ctx context.Context, p string) {
	if v.active() != nil {
		return
	}
	for _, w := range v.ioWorkers() {
		if !hasHandleWithin(w.sess, p) {
			continue
		}
		err := w.submit(ctx, func(ctx context.Context, s *session.Session) error {
			for _, hp := range s.HandlePaths() {
				if utils.IsWithin(p, hp) {
					s.ReleaseHandle(hp)
				}
			}
			return nil
		})
		if err != nil {
			v.logger.Debug("Handle release skipped", zap.String("worker", w.name), zap.Error(err))
		}
	}
}

func hasHandleWithin(s *session.Session, p string) bool {
	for _, hp := range s.HandlePaths() {
		if utils.IsWithin(p, hp) {
			return true
		}
	}
	return false
}

func containsName(entries []types.DirEntry, name string) bool {
	for _, e := range entries {
		if e.Name == name {
			return true
		}
	}
	return false
}
