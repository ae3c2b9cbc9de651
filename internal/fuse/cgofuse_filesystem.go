//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/tracker"
	"github.com/sftpvol/sftpvol/internal/volume"
	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/logging"
	"github.com/sftpvol/sftpvol/pkg/types"
)

// CgoFuseFS serves a Backend through cgofuse, which works on every
// platform with a FUSE implementation (libfuse, macFUSE, WinFsp). cgofuse
// addresses items by path, so each call resolves the path to a handle.
type CgoFuseFS struct {
	fuse.FileSystemBase

	backend Backend
	config  *Config
	logger  *zap.Logger
	stats   *Stats

	mu         sync.RWMutex
	openFiles  map[uint64]*cgoOpenFile
	nextHandle uint64
	ready      chan struct{}
	readyOnce  sync.Once
}

// cgoOpenFile is one descriptor handed to the host.
type cgoOpenFile struct {
	handle   tracker.Handle
	writable bool
	dirty    bool
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(backend Backend, config *Config) *CgoFuseFS {
	if config == nil {
		config = DefaultConfig()
	}
	return &CgoFuseFS{
		backend:    backend,
		config:     config,
		logger:     logging.Named("fuse"),
		stats:      &Stats{},
		openFiles:  make(map[uint64]*cgoOpenFile),
		nextHandle: 1,
		ready:      make(chan struct{}),
	}
}

// Init is called by the host once the mount is live
func (cfs *CgoFuseFS) Init() {
	cfs.readyOnce.Do(func() { close(cfs.ready) })
}

// remote maps a host path to the absolute remote path.
func (cfs *CgoFuseFS) remote(p string) string {
	return path.Join(cfs.backend.Root(), p)
}

// resolve tracks the item at host path p.
func (cfs *CgoFuseFS) resolve(ctx context.Context, p string) (tracker.Item, types.Attr, error) {
	return cfs.backend.Resolve(ctx, cfs.remote(p))
}

// parent resolves the directory holding p and returns the leaf name.
func (cfs *CgoFuseFS) parent(ctx context.Context, p string) (tracker.Handle, string, error) {
	dir, name := path.Split(path.Clean(p))
	item, _, err := cfs.resolve(ctx, dir)
	if err != nil {
		return 0, "", err
	}
	return item.Handle, name, nil
}

// errno converts err to the negative code cgofuse expects and counts it.
func (cfs *CgoFuseFS) errno(op, p string, err error) int {
	if err == nil {
		return 0
	}
	errno := volume.ToErrno(err)
	cfs.stats.mu.Lock()
	cfs.stats.Errors++
	cfs.stats.mu.Unlock()
	if errno != syscall.ENOENT {
		cfs.logger.Debug("FUSE operation failed", logging.Op(op), logging.Path(p), zap.Error(err))
	}
	return -int(errno)
}

// openFile returns the descriptor fh, re-resolving its handle by path when
// the volume has forgotten it.
func (cfs *CgoFuseFS) openFile(ctx context.Context, p string, fh uint64) (*cgoOpenFile, error) {
	cfs.mu.RLock()
	f, ok := cfs.openFiles[fh]
	cfs.mu.RUnlock()
	if !ok {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "unknown file handle").
			WithComponent("fuse").WithPath(p)
	}
	if _, tracked := cfs.backend.Item(f.handle); tracked {
		return f, nil
	}
	item, _, err := cfs.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	cfs.mu.Lock()
	f.handle = item.Handle
	cfs.mu.Unlock()

	cfs.stats.mu.Lock()
	cfs.stats.Reresolved++
	cfs.stats.mu.Unlock()
	return f, nil
}

func (cfs *CgoFuseFS) register(h tracker.Handle, writable bool) uint64 {
	cfs.mu.Lock()
	defer cfs.mu.Unlock()
	fh := cfs.nextHandle
	cfs.nextHandle++
	cfs.openFiles[fh] = &cgoOpenFile{handle: h, writable: writable}
	return fh
}

// FUSE Operations Implementation

// Statfs reports remote capacity
func (cfs *CgoFuseFS) Statfs(p string, stat *fuse.Statfs_t) int {
	st, err := cfs.backend.StatFS(context.Background())
	if err != nil {
		return cfs.errno("statfs", p, err)
	}
	stat.Bsize = st.BlockSize
	stat.Frsize = st.BlockSize
	stat.Blocks = st.Blocks
	stat.Bfree = st.BlocksFree
	stat.Bavail = st.BlocksAvail
	stat.Files = st.Files
	stat.Ffree = st.FilesFree
	stat.Favail = st.FilesFree
	stat.Namemax = st.NameMax
	return 0
}

// Getattr gets item attributes
func (cfs *CgoFuseFS) Getattr(p string, stat *fuse.Stat_t, fh uint64) int {
	defer cfs.recordLookup()

	item, attr, err := cfs.resolve(context.Background(), p)
	if err != nil {
		return cfs.errno("getattr", p, err)
	}
	cfs.fillStat(stat, attr, item.ID)
	return 0
}

// Mkdir creates a new directory
func (cfs *CgoFuseFS) Mkdir(p string, mode uint32) int {
	if cfs.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	dir, name, err := cfs.parent(ctx, p)
	if err == nil {
		_, _, err = cfs.backend.Mkdir(ctx, dir, name, os.FileMode(mode&0o7777))
	}
	return cfs.errno("mkdir", p, err)
}

// Unlink removes a file or symlink
func (cfs *CgoFuseFS) Unlink(p string) int {
	if cfs.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	dir, name, err := cfs.parent(ctx, p)
	if err == nil {
		err = cfs.backend.Remove(ctx, dir, name)
	}
	if err == nil {
		cfs.countDelete()
	}
	return cfs.errno("unlink", p, err)
}

// Rmdir removes an empty directory
func (cfs *CgoFuseFS) Rmdir(p string) int {
	if cfs.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	dir, name, err := cfs.parent(ctx, p)
	if err == nil {
		err = cfs.backend.Rmdir(ctx, dir, name)
	}
	if err == nil {
		cfs.countDelete()
	}
	return cfs.errno("rmdir", p, err)
}

// Symlink creates newpath pointing at target
func (cfs *CgoFuseFS) Symlink(target string, newpath string) int {
	if cfs.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	dir, name, err := cfs.parent(ctx, newpath)
	if err == nil {
		_, _, err = cfs.backend.Symlink(ctx, dir, name, target)
	}
	return cfs.errno("symlink", newpath, err)
}

// Readlink returns the link target
func (cfs *CgoFuseFS) Readlink(p string) (int, string) {
	ctx := context.Background()
	item, _, err := cfs.resolve(ctx, p)
	if err != nil {
		return cfs.errno("readlink", p, err), ""
	}
	target, err := cfs.backend.Readlink(ctx, item.Handle)
	if err != nil {
		return cfs.errno("readlink", p, err), ""
	}
	return 0, target
}

// Rename moves oldpath to newpath
func (cfs *CgoFuseFS) Rename(oldpath string, newpath string) int {
	if cfs.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	src, srcName, err := cfs.parent(ctx, oldpath)
	if err != nil {
		return cfs.errno("rename", oldpath, err)
	}
	dst, dstName, err := cfs.parent(ctx, newpath)
	if err != nil {
		return cfs.errno("rename", newpath, err)
	}
	err = cfs.backend.Rename(ctx, src, srcName, dst, dstName)
	if err == nil {
		cfs.stats.mu.Lock()
		cfs.stats.Renames++
		cfs.stats.mu.Unlock()
	}
	return cfs.errno("rename", oldpath, err)
}

// Chmod changes permission bits
func (cfs *CgoFuseFS) Chmod(p string, mode uint32) int {
	m := os.FileMode(mode & 0o777)
	return cfs.setattr("chmod", p, types.SetAttr{Mode: &m})
}

// Chown changes ownership
func (cfs *CgoFuseFS) Chown(p string, uid uint32, gid uint32) int {
	var set types.SetAttr
	// The host passes ^uint32(0) for "leave unchanged".
	if uid != ^uint32(0) {
		set.UID = &uid
	}
	if gid != ^uint32(0) {
		set.GID = &gid
	}
	return cfs.setattr("chown", p, set)
}

// Utimens sets access and modification times
func (cfs *CgoFuseFS) Utimens(p string, tmsp []fuse.Timespec) int {
	if len(tmsp) < 2 {
		return -fuse.EINVAL
	}
	atime, mtime := tmsp[0].Time(), tmsp[1].Time()
	return cfs.setattr("utimens", p, types.SetAttr{Atime: &atime, Mtime: &mtime})
}

// Truncate changes the file size
func (cfs *CgoFuseFS) Truncate(p string, size int64, fh uint64) int {
	if size < 0 {
		return -fuse.EINVAL
	}
	s := uint64(size)
	return cfs.setattr("truncate", p, types.SetAttr{Size: &s})
}

func (cfs *CgoFuseFS) setattr(op, p string, set types.SetAttr) int {
	if cfs.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	item, _, err := cfs.resolve(ctx, p)
	if err == nil {
		_, err = cfs.backend.SetAttr(ctx, item.Handle, set)
	}
	return cfs.errno(op, p, err)
}

// Create creates a new file and opens it for writing
func (cfs *CgoFuseFS) Create(p string, flags int, mode uint32) (int, uint64) {
	if cfs.config.ReadOnly {
		return -fuse.EROFS, ^uint64(0)
	}
	ctx := context.Background()
	dir, name, err := cfs.parent(ctx, p)
	if err != nil {
		return cfs.errno("create", p, err), ^uint64(0)
	}
	item, _, err := cfs.backend.Create(ctx, dir, name, os.FileMode(mode&0o7777))
	if err != nil {
		return cfs.errno("create", p, err), ^uint64(0)
	}
	if err := cfs.backend.Open(ctx, item.Handle, true); err != nil {
		return cfs.errno("create", p, err), ^uint64(0)
	}

	cfs.stats.mu.Lock()
	cfs.stats.Creates++
	cfs.stats.Opens++
	cfs.stats.mu.Unlock()
	return 0, cfs.register(item.Handle, true)
}

// Open opens a file
func (cfs *CgoFuseFS) Open(p string, flags int) (int, uint64) {
	writable := flags&fuse.O_ACCMODE != fuse.O_RDONLY
	if cfs.config.ReadOnly && writable {
		return -fuse.EROFS, ^uint64(0)
	}

	ctx := context.Background()
	item, _, err := cfs.resolve(ctx, p)
	if err == nil {
		err = cfs.backend.Open(ctx, item.Handle, writable)
	}
	if err != nil {
		return cfs.errno("open", p, err), ^uint64(0)
	}

	cfs.stats.mu.Lock()
	cfs.stats.Opens++
	cfs.stats.mu.Unlock()
	return 0, cfs.register(item.Handle, writable)
}

// Read reads from a file
func (cfs *CgoFuseFS) Read(p string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	defer func() {
		cfs.recordRead(time.Since(start))
	}()

	ctx := context.Background()
	f, err := cfs.openFile(ctx, p, fh)
	if err != nil {
		return cfs.errno("read", p, err)
	}
	data, err := cfs.backend.Read(ctx, f.handle, ofst, len(buff))
	if err != nil {
		return cfs.errno("read", p, err)
	}
	n := copy(buff, data)

	cfs.stats.mu.Lock()
	cfs.stats.BytesRead += int64(n)
	cfs.stats.mu.Unlock()
	return n
}

// Write writes to a file
func (cfs *CgoFuseFS) Write(p string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	defer func() {
		cfs.recordWrite(time.Since(start))
	}()

	ctx := context.Background()
	f, err := cfs.openFile(ctx, p, fh)
	if err != nil {
		return cfs.errno("write", p, err)
	}
	if !f.writable {
		return -fuse.EBADF
	}
	n, err := cfs.backend.Write(ctx, f.handle, ofst, buff)
	if err != nil {
		return cfs.errno("write", p, err)
	}

	cfs.mu.Lock()
	f.dirty = true
	cfs.mu.Unlock()

	cfs.stats.mu.Lock()
	cfs.stats.BytesWritten += int64(n)
	cfs.stats.mu.Unlock()
	return n
}

// Flush commits pending writes when a descriptor is closed
func (cfs *CgoFuseFS) Flush(p string, fh uint64) int {
	ctx := context.Background()
	f, err := cfs.openFile(ctx, p, fh)
	if err != nil {
		return cfs.errno("flush", p, err)
	}
	cfs.mu.RLock()
	dirty := f.dirty
	cfs.mu.RUnlock()
	if !dirty {
		return 0
	}
	if err := cfs.backend.Flush(ctx, f.handle); err != nil {
		return cfs.errno("flush", p, err)
	}
	cfs.mu.Lock()
	f.dirty = false
	cfs.mu.Unlock()
	return 0
}

// Fsync commits written data to stable storage
func (cfs *CgoFuseFS) Fsync(p string, datasync bool, fh uint64) int {
	ctx := context.Background()
	f, err := cfs.openFile(ctx, p, fh)
	if err != nil {
		return cfs.errno("fsync", p, err)
	}
	if !f.writable {
		return 0
	}
	return cfs.errno("fsync", p, cfs.backend.Flush(ctx, f.handle))
}

// Release closes a file
func (cfs *CgoFuseFS) Release(p string, fh uint64) int {
	ctx := context.Background()
	f, err := cfs.openFile(ctx, p, fh)

	cfs.mu.Lock()
	delete(cfs.openFiles, fh)
	cfs.mu.Unlock()

	if err != nil {
		return cfs.errno("release", p, err)
	}
	return cfs.errno("release", p, cfs.backend.CloseItem(ctx, f.handle, f.writable))
}

// Readdir lists a directory, paging through the volume with cookies
func (cfs *CgoFuseFS) Readdir(p string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	ctx := context.Background()
	dir, _, err := cfs.resolve(ctx, p)
	if err != nil {
		return cfs.errno("readdir", p, err)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)

	var cookie uint64
	for {
		page, err := cfs.backend.ReadDir(ctx, dir.Handle, cookie, readdirBatch)
		if err != nil {
			return cfs.errno("readdir", p, err)
		}
		for _, e := range page {
			stat := &fuse.Stat_t{}
			cfs.fillStat(stat, e.Attr, e.ID)
			if !fill(e.Name, stat, 0) {
				return 0
			}
			cookie = e.Cookie
		}
		if len(page) < readdirBatch {
			return 0
		}
	}
}

// Helper methods

func (cfs *CgoFuseFS) fillStat(stat *fuse.Stat_t, attr types.Attr, ino uint64) {
	stat.Ino = ino
	stat.Mode = unixMode(attr.Mode)
	stat.Size = attr.Size
	stat.Blocks = (attr.Size + 511) / 512
	stat.Nlink = 1
	if attr.IsDir() {
		stat.Nlink = 2
	}
	stat.Uid = attr.UID
	stat.Gid = attr.GID
	if p := cfs.config.Permissions; p != nil {
		stat.Uid = p.UID
		stat.Gid = p.GID
	}

	atime := attr.AccessTime
	if atime.IsZero() {
		atime = attr.ModTime
	}
	stat.Atim = fuse.NewTimespec(atime)
	stat.Mtim = fuse.NewTimespec(attr.ModTime)
	stat.Ctim = stat.Mtim
	stat.Birthtim = stat.Mtim
}

func (cfs *CgoFuseFS) countDelete() {
	cfs.stats.mu.Lock()
	cfs.stats.Deletes++
	cfs.stats.mu.Unlock()
}

func (cfs *CgoFuseFS) recordLookup() {
	cfs.stats.mu.Lock()
	cfs.stats.Lookups++
	cfs.stats.mu.Unlock()
}

func (cfs *CgoFuseFS) recordRead(d time.Duration) {
	cfs.stats.mu.Lock()
	defer cfs.stats.mu.Unlock()
	cfs.stats.Reads++
	cfs.stats.AvgReadTime = time.Duration((int64(cfs.stats.AvgReadTime)*9 + int64(d)) / 10)
}

func (cfs *CgoFuseFS) recordWrite(d time.Duration) {
	cfs.stats.mu.Lock()
	defer cfs.stats.mu.Unlock()
	cfs.stats.Writes++
	cfs.stats.AvgWriteTime = time.Duration((int64(cfs.stats.AvgWriteTime)*9 + int64(d)) / 10)
}

// GetStats returns filesystem statistics
func (cfs *CgoFuseFS) GetStats() *FilesystemStats {
	cfs.stats.mu.RLock()
	defer cfs.stats.mu.RUnlock()
	return &FilesystemStats{
		Lookups:      cfs.stats.Lookups,
		Opens:        cfs.stats.Opens,
		Reads:        cfs.stats.Reads,
		Writes:       cfs.stats.Writes,
		BytesRead:    cfs.stats.BytesRead,
		BytesWritten: cfs.stats.BytesWritten,
		Reresolved:   cfs.stats.Reresolved,
		Errors:       cfs.stats.Errors,
	}
}
