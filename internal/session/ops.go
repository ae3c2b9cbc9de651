package session

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/types"
)

const statVFSExtension = "statvfs@openssh.com"

// syntheticStatFS is reported when the server cannot answer statvfs.
var syntheticStatFS = types.StatFS{
	BlockSize:   4096,
	Blocks:      1 << 30,
	BlocksFree:  1 << 30,
	BlocksAvail: 1 << 30,
	Files:       1 << 20,
	FilesFree:   1 << 20,
	NameMax:     255,
}

// AcquireHandle returns an open remote file for path, reusing the cached one
// when it allows the requested access.
func (s *Session) AcquireHandle(ctx context.Context, p string, forWriting bool) (*sftp.File, error) {
	var f *sftp.File
	err := s.call(ctx, func(c *sftp.Client) error {
		var err error
		f, err = s.acquire(c, p, forWriting)
		return err
	})
	if err != nil {
		return nil, s.wrap("open", p, err)
	}
	return f, nil
}

func (s *Session) acquire(c *sftp.Client, p string, forWriting bool) (*sftp.File, error) {
	if f, ok := s.handles.lookup(p, forWriting); ok {
		return f, nil
	}
	flags := os.O_RDONLY
	if forWriting {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := c.OpenFile(p, flags)
	if err != nil {
		return nil, err
	}
	return s.handles.store(p, f, forWriting), nil
}

// ReleaseHandle closes the cached handle for path, if any.
func (s *Session) ReleaseHandle(p string) {
	s.handles.release(p)
}

// OpenHandles returns the number of cached handles.
func (s *Session) OpenHandles() int {
	return s.handles.len()
}

// HandlePaths lists cached handle paths from least to most recently used.
func (s *Session) HandlePaths() []string {
	return s.handles.keys()
}

// HasWritableHandle reports whether path has a cached write handle.
func (s *Session) HasWritableHandle(p string) bool {
	e, ok := s.handles.peek(p)
	return ok && e.writable
}

// ReadFile reads up to length bytes at off. A short result means end of
// file.
func (s *Session) ReadFile(ctx context.Context, p string, off int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	var n int
	err := s.call(ctx, func(c *sftp.Client) error {
		f, err := s.acquire(c, p, false)
		if err != nil {
			return err
		}
		n, err = f.ReadAt(buf, off)
		if err == io.EOF {
			err = nil
		}
		return err
	})
	if err != nil {
		s.releaseOnFailure(p, err)
		return nil, s.wrap("read", p, err)
	}
	return buf[:n], nil
}

// WriteFile writes data at off through a cached write handle.
func (s *Session) WriteFile(ctx context.Context, p string, off int64, data []byte) (int, error) {
	var n int
	err := s.call(ctx, func(c *sftp.Client) error {
		f, err := s.acquire(c, p, true)
		if err != nil {
			return err
		}
		n, err = f.WriteAt(data, off)
		return err
	})
	if err != nil {
		s.releaseOnFailure(p, err)
		return 0, s.wrap("write", p, err)
	}
	return n, nil
}

// Flush asks the server to commit a cached write handle to stable storage.
// Servers without fsync@openssh.com are treated as already durable.
func (s *Session) Flush(ctx context.Context, p string) error {
	e, ok := s.handles.peek(p)
	if !ok || !e.writable {
		return nil
	}
	err := s.call(ctx, func(*sftp.Client) error {
		if err := e.file.Sync(); err != nil && !isUnsupported(err) {
			return err
		}
		return nil
	})
	return s.wrap("flush", p, err)
}

// Create creates a new regular file and caches its write handle.
func (s *Session) Create(ctx context.Context, p string, mode os.FileMode) (types.Attr, error) {
	var attr types.Attr
	err := s.call(ctx, func(c *sftp.Client) error {
		f, err := c.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL)
		if err != nil {
			return existsOnFailure(c, "create", p, err)
		}
		if mode != 0 {
			if err := f.Chmod(mode.Perm()); err != nil {
				s.logger.Debug("create mode not applied", zap.String("path", p), zap.Error(err))
			}
		}
		f = s.handles.store(p, f, true)
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		attr = attrFromInfo(p, fi)
		return nil
	})
	return attr, s.wrap("create", p, err)
}

// Stat returns attributes following symlinks.
func (s *Session) Stat(ctx context.Context, p string) (types.Attr, error) {
	var attr types.Attr
	err := s.call(ctx, func(c *sftp.Client) error {
		fi, err := c.Stat(p)
		if err != nil {
			return err
		}
		attr = attrFromInfo(p, fi)
		return nil
	})
	return attr, s.wrap("stat", p, err)
}

// Lstat returns attributes without following a final symlink.
func (s *Session) Lstat(ctx context.Context, p string) (types.Attr, error) {
	var attr types.Attr
	err := s.call(ctx, func(c *sftp.Client) error {
		fi, err := c.Lstat(p)
		if err != nil {
			return err
		}
		attr = attrFromInfo(p, fi)
		return nil
	})
	return attr, s.wrap("lstat", p, err)
}

// Setstat applies the non-nil fields of set.
func (s *Session) Setstat(ctx context.Context, p string, set types.SetAttr) error {
	err := s.call(ctx, func(c *sftp.Client) error {
		var current os.FileInfo
		lstat := func() (os.FileInfo, error) {
			if current != nil {
				return current, nil
			}
			fi, err := c.Lstat(p)
			current = fi
			return fi, err
		}

		if set.Mode != nil {
			if err := c.Chmod(p, set.Mode.Perm()); err != nil {
				return err
			}
		}
		if set.UID != nil || set.GID != nil {
			fi, err := lstat()
			if err != nil {
				return err
			}
			a := attrFromInfo(p, fi)
			uid, gid := a.UID, a.GID
			if set.UID != nil {
				uid = *set.UID
			}
			if set.GID != nil {
				gid = *set.GID
			}
			if err := c.Chown(p, int(uid), int(gid)); err != nil {
				return err
			}
		}
		if set.Size != nil {
			if err := c.Truncate(p, int64(*set.Size)); err != nil {
				return err
			}
		}
		if set.Atime != nil || set.Mtime != nil {
			fi, err := lstat()
			if err != nil {
				return err
			}
			a := attrFromInfo(p, fi)
			atime, mtime := a.AccessTime, a.ModTime
			if set.Atime != nil {
				atime = *set.Atime
			}
			if set.Mtime != nil {
				mtime = *set.Mtime
			}
			if err := c.Chtimes(p, atime, mtime); err != nil {
				return err
			}
		}
		return nil
	})
	return s.wrap("setstat", p, err)
}

// ReadDir lists a directory sorted by name, without following symlinks.
func (s *Session) ReadDir(ctx context.Context, p string) ([]types.DirEntry, error) {
	var entries []types.DirEntry
	err := s.call(ctx, func(c *sftp.Client) error {
		infos, err := c.ReadDir(p)
		if err != nil {
			return err
		}
		entries = make([]types.DirEntry, 0, len(infos))
		for _, fi := range infos {
			name := fi.Name()
			if name == "." || name == ".." {
				continue
			}
			entries = append(entries, types.DirEntry{
				Name: name,
				Attr: attrFromInfo(path.Join(p, name), fi),
			})
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("readdir", p, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Mkdir creates a directory. The mode is applied afterwards and a server
// refusing it is not an error.
func (s *Session) Mkdir(ctx context.Context, p string, mode os.FileMode) error {
	err := s.call(ctx, func(c *sftp.Client) error {
		if err := c.Mkdir(p); err != nil {
			return existsOnFailure(c, "mkdir", p, err)
		}
		if mode != 0 {
			if err := c.Chmod(p, mode.Perm()); err != nil {
				s.logger.Debug("mkdir mode not applied", zap.String("path", p), zap.Error(err))
			}
		}
		return nil
	})
	return s.wrap("mkdir", p, err)
}

// Rmdir removes an empty directory.
func (s *Session) Rmdir(ctx context.Context, p string) error {
	err := s.call(ctx, func(c *sftp.Client) error {
		return c.RemoveDirectory(p)
	})
	return s.wrap("rmdir", p, err)
}

// Remove unlinks a file or symlink.
func (s *Session) Remove(ctx context.Context, p string) error {
	s.handles.release(p)
	err := s.call(ctx, func(c *sftp.Client) error {
		return c.Remove(p)
	})
	return s.wrap("remove", p, err)
}

// Rename moves from to to, replacing to when the server supports
// posix-rename@openssh.com.
func (s *Session) Rename(ctx context.Context, from, to string) error {
	s.handles.release(from)
	s.handles.release(to)
	err := s.call(ctx, func(c *sftp.Client) error {
		err := c.PosixRename(from, to)
		if err != nil && isUnsupported(err) {
			return c.Rename(from, to)
		}
		return err
	})
	return s.wrap("rename", from, err)
}

// Symlink creates link pointing at target.
func (s *Session) Symlink(ctx context.Context, target, link string) error {
	err := s.call(ctx, func(c *sftp.Client) error {
		return c.Symlink(target, link)
	})
	return s.wrap("symlink", link, err)
}

// Readlink returns the target of a symlink.
func (s *Session) Readlink(ctx context.Context, p string) (string, error) {
	var target string
	err := s.call(ctx, func(c *sftp.Client) error {
		var err error
		target, err = c.ReadLink(p)
		return err
	})
	return target, s.wrap("readlink", p, err)
}

// Realpath canonicalises p on the server.
func (s *Session) Realpath(ctx context.Context, p string) (string, error) {
	var resolved string
	err := s.call(ctx, func(c *sftp.Client) error {
		var err error
		resolved, err = c.RealPath(p)
		return err
	})
	return resolved, s.wrap("realpath", p, err)
}

// Home returns the remote working directory, which servers set to the
// user's home.
func (s *Session) Home(ctx context.Context) (string, error) {
	var home string
	err := s.call(ctx, func(c *sftp.Client) error {
		var err error
		home, err = c.Getwd()
		return err
	})
	return home, s.wrap("getwd", ".", err)
}

// ResolvePath turns "~", "~/..." and relative paths into a canonical
// absolute path against the remote home directory.
func (s *Session) ResolvePath(ctx context.Context, p string) (string, error) {
	switch {
	case p == "" || p == "~" || strings.HasPrefix(p, "~/") || !path.IsAbs(p):
		home, err := s.Home(ctx)
		if err != nil {
			return "", err
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/")
		p = path.Join(home, rest)
	default:
		p = path.Clean(p)
	}
	return s.Realpath(ctx, p)
}

// StatVFS reports capacity of the filesystem holding p.
func (s *Session) StatVFS(ctx context.Context, p string) (types.StatFS, error) {
	var (
		st        types.StatFS
		supported bool
	)
	err := s.call(ctx, func(c *sftp.Client) error {
		if _, ok := c.HasExtension(statVFSExtension); !ok {
			return nil
		}
		vfs, err := c.StatVFS(p)
		if err != nil {
			if isUnsupported(err) {
				return nil
			}
			return err
		}
		supported = true
		st = types.StatFS{
			BlockSize:   vfs.Frsize,
			Blocks:      vfs.Blocks,
			BlocksFree:  vfs.Bfree,
			BlocksAvail: vfs.Bavail,
			Files:       vfs.Files,
			FilesFree:   vfs.Ffree,
			NameMax:     vfs.Namemax,
		}
		if st.BlockSize == 0 {
			st.BlockSize = vfs.Bsize
		}
		return nil
	})
	if err != nil {
		if IsConnectionError(err) {
			return types.StatFS{}, s.wrap("statvfs", p, err)
		}
		s.logger.Debug("statvfs failed, reporting synthetic capacity", zap.Error(err))
		return syntheticStatFS, nil
	}
	if !supported {
		return syntheticStatFS, nil
	}
	return st, nil
}

// SendKeepalive fires a transport keepalive without waiting for the reply.
func (s *Session) SendKeepalive() error {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	if t == nil {
		return s.wrap("keepalive", "", errNotConnected)
	}
	go func() {
		if err := t.Keepalive(); err != nil {
			s.logger.Debug("keepalive failed", zap.Error(err))
		}
	}()
	return nil
}

// Probe performs one SFTP round trip bounded by timeout.
func (s *Session) Probe(ctx context.Context, timeout time.Duration) error {
	err := s.callWithin(ctx, timeout, func(c *sftp.Client) error {
		_, err := c.Getwd()
		return err
	})
	return s.wrap("probe", ".", err)
}

// existsOnFailure refines a generic SSH_FX_FAILURE from a create or mkdir.
// SFTPv3 has no status for an existing name, so servers answer FAILURE and
// the name is checked with an lstat.
func existsOnFailure(c *sftp.Client, op, p string, err error) error {
	if code, ok := statusOf(err); !ok || code != errors.StatusFailure {
		return err
	}
	if _, lerr := c.Lstat(p); lerr != nil {
		return err
	}
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrExist}
}

// releaseOnFailure drops a handle that may be unusable after err. Transport
// failures are left to Reconnect, which releases every handle.
func (s *Session) releaseOnFailure(p string, err error) {
	if !IsConnectionError(err) {
		s.handles.release(p)
	}
}

func attrFromInfo(p string, fi os.FileInfo) types.Attr {
	a := types.Attr{
		Path:    p,
		Name:    path.Base(p),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		a.UID = st.UID
		a.GID = st.GID
		a.AccessTime = time.Unix(int64(st.Atime), 0)
	}
	return a
}
