package fuse

import (
	"context"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/tracker"
	"github.com/sftpvol/sftpvol/internal/volume"
	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/logging"
	"github.com/sftpvol/sftpvol/pkg/types"
)

// readdirBatch is the number of entries fetched per ReadDir call.
const readdirBatch = 256

// Backend is the filesystem core the host adapters translate to.
// *volume.Volume implements it.
type Backend interface {
	Root() string
	Activate(ctx context.Context) (tracker.Handle, error)
	Deactivate(ctx context.Context) error
	Stats() volume.Stats

	Lookup(ctx context.Context, parent tracker.Handle, name string) (tracker.Item, types.Attr, error)
	Resolve(ctx context.Context, p string) (tracker.Item, types.Attr, error)
	Item(h tracker.Handle) (tracker.Item, bool)
	Reclaim(h tracker.Handle)

	GetAttr(ctx context.Context, h tracker.Handle) (types.Attr, error)
	SetAttr(ctx context.Context, h tracker.Handle, set types.SetAttr) (types.Attr, error)
	ReadDir(ctx context.Context, dir tracker.Handle, cookie uint64, max int) ([]volume.Entry, error)

	Create(ctx context.Context, parent tracker.Handle, name string, mode os.FileMode) (tracker.Item, types.Attr, error)
	Mkdir(ctx context.Context, parent tracker.Handle, name string, mode os.FileMode) (tracker.Item, types.Attr, error)
	Symlink(ctx context.Context, parent tracker.Handle, name, target string) (tracker.Item, types.Attr, error)
	Readlink(ctx context.Context, h tracker.Handle) (string, error)
	Remove(ctx context.Context, parent tracker.Handle, name string) error
	Rmdir(ctx context.Context, parent tracker.Handle, name string) error
	Rename(ctx context.Context, srcParent tracker.Handle, srcName string, dstParent tracker.Handle, dstName string) error

	Open(ctx context.Context, h tracker.Handle, write bool) error
	CloseItem(ctx context.Context, h tracker.Handle, wasWritable bool) error
	Flush(ctx context.Context, h tracker.Handle) error
	Read(ctx context.Context, h tracker.Handle, off int64, length int) ([]byte, error)
	Write(ctx context.Context, h tracker.Handle, off int64, data []byte) (int, error)
	StatFS(ctx context.Context) (types.StatFS, error)
}

var _ Backend = (*volume.Volume)(nil)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// Config represents FUSE filesystem configuration
type Config struct {
	ReadOnly bool `yaml:"read_only"`
	DirectIO bool `yaml:"direct_io"`

	// Kernel attribute and entry caching. The volume keeps its own
	// metadata cache, so these stay short.
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`

	// Permissions overrides remote ownership when set.
	Permissions *Permissions `yaml:"permissions"`
}

// Permissions maps every item to a local owner
type Permissions struct {
	UID uint32 `yaml:"uid"`
	GID uint32 `yaml:"gid"`
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() *Config {
	return &Config{
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
	}
}

// Stats tracks filesystem operation statistics
type Stats struct {
	mu sync.RWMutex

	// Operation counts
	Lookups int64 `json:"lookups"`
	Opens   int64 `json:"opens"`
	Reads   int64 `json:"reads"`
	Writes  int64 `json:"writes"`
	Creates int64 `json:"creates"`
	Deletes int64 `json:"deletes"`
	Renames int64 `json:"renames"`

	// Data transfer
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`

	// Handles recovered by path after the volume forgot them
	Reresolved int64 `json:"reresolved"`

	// Error counts
	Errors int64 `json:"errors"`

	// Performance metrics
	AvgReadTime   time.Duration `json:"avg_read_time"`
	AvgWriteTime  time.Duration `json:"avg_write_time"`
	AvgLookupTime time.Duration `json:"avg_lookup_time"`
}

// FileSystem translates go-fuse node operations to a Backend
type FileSystem struct {
	backend Backend
	config  *Config
	logger  *zap.Logger
	stats   *Stats

	mu   sync.RWMutex
	root tracker.Handle
}

// NewFileSystem creates a new FUSE filesystem instance
func NewFileSystem(backend Backend, config *Config) *FileSystem {
	if config == nil {
		config = DefaultConfig()
	}
	return &FileSystem{
		backend: backend,
		config:  config,
		logger:  logging.Named("fuse"),
		stats:   &Stats{},
	}
}

// SetRoot binds the filesystem to the root handle returned by activation
func (fsys *FileSystem) SetRoot(h tracker.Handle) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	fsys.root = h
}

// Root returns the root node
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()
	return &Node{fsys: fsys, handle: fsys.root}
}

// GetStats returns current filesystem statistics
func (fsys *FileSystem) GetStats() *Stats {
	fsys.stats.mu.RLock()
	defer fsys.stats.mu.RUnlock()

	return &Stats{
		Lookups:       fsys.stats.Lookups,
		Opens:         fsys.stats.Opens,
		Reads:         fsys.stats.Reads,
		Writes:        fsys.stats.Writes,
		Creates:       fsys.stats.Creates,
		Deletes:       fsys.stats.Deletes,
		Renames:       fsys.stats.Renames,
		BytesRead:     fsys.stats.BytesRead,
		BytesWritten:  fsys.stats.BytesWritten,
		Reresolved:    fsys.stats.Reresolved,
		Errors:        fsys.stats.Errors,
		AvgReadTime:   fsys.stats.AvgReadTime,
		AvgWriteTime:  fsys.stats.AvgWriteTime,
		AvgLookupTime: fsys.stats.AvgLookupTime,
	}
}

// Node is one directory, file or symlink. It holds the tracker handle of
// its item; when the volume has forgotten the handle (after a rename or a
// reclaim) the node resolves its current path again.
type Node struct {
	fs.Inode

	fsys *FileSystem

	mu     sync.Mutex
	handle tracker.Handle
}

var (
	_ fs.NodeLookuper    = (*Node)(nil)
	_ fs.NodeGetattrer   = (*Node)(nil)
	_ fs.NodeSetattrer   = (*Node)(nil)
	_ fs.NodeReaddirer   = (*Node)(nil)
	_ fs.NodeMkdirer     = (*Node)(nil)
	_ fs.NodeCreater     = (*Node)(nil)
	_ fs.NodeUnlinker    = (*Node)(nil)
	_ fs.NodeRmdirer     = (*Node)(nil)
	_ fs.NodeRenamer     = (*Node)(nil)
	_ fs.NodeSymlinker   = (*Node)(nil)
	_ fs.NodeReadlinker  = (*Node)(nil)
	_ fs.NodeOpener      = (*Node)(nil)
	_ fs.NodeStatfser    = (*Node)(nil)
	_ fs.NodeOnForgetter = (*Node)(nil)
)

func (n *Node) current() tracker.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle
}

// remotePath is the node's absolute remote path as the kernel sees it.
func (n *Node) remotePath() string {
	return path.Join(n.fsys.backend.Root(), n.Path(nil))
}

// reresolve looks the node's path up again and adopts the fresh handle.
func (n *Node) reresolve(ctx context.Context) (tracker.Handle, error) {
	item, _, err := n.fsys.backend.Resolve(ctx, n.remotePath())
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.handle = item.Handle
	n.mu.Unlock()

	n.fsys.stats.mu.Lock()
	n.fsys.stats.Reresolved++
	n.fsys.stats.mu.Unlock()
	return item.Handle, nil
}

// do runs fn with the node's handle, re-resolving once when the volume no
// longer tracks it.
func (n *Node) do(ctx context.Context, op string, fn func(h tracker.Handle) error) syscall.Errno {
	h := n.current()
	if _, ok := n.fsys.backend.Item(h); !ok {
		var err error
		if h, err = n.reresolve(ctx); err != nil {
			return n.fsys.fail(op, n.remotePath(), err)
		}
	}

	err := fn(h)
	if errors.HasCode(err, errors.ErrCodeItemNotFound) {
		if h, err = n.reresolve(ctx); err == nil {
			err = fn(h)
		}
	}
	if err != nil {
		return n.fsys.fail(op, n.remotePath(), err)
	}
	return fs.OK
}

// fail counts and logs an error and returns its errno.
func (fsys *FileSystem) fail(op, p string, err error) syscall.Errno {
	errno := volume.ToErrno(err)

	fsys.stats.mu.Lock()
	fsys.stats.Errors++
	fsys.stats.mu.Unlock()

	if errno == syscall.ENOENT || errno == syscall.EEXIST || errno == syscall.ENOTEMPTY {
		return errno
	}
	fsys.logger.Debug("FUSE operation failed",
		logging.Op(op),
		logging.Path(p),
		zap.String("errno", errno.Error()),
		zap.Error(err))
	return errno
}

// newChild builds the inode for a freshly tracked item and fills out.
func (n *Node) newChild(ctx context.Context, item tracker.Item, attr types.Attr, out *fuse.EntryOut) *fs.Inode {
	n.fsys.fillAttr(&out.Attr, attr, item.ID)
	out.SetEntryTimeout(n.fsys.config.EntryTimeout)
	out.SetAttrTimeout(n.fsys.config.AttrTimeout)

	child := &Node{fsys: n.fsys, handle: item.Handle}
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: fileType(attr.Mode),
		Ino:  item.ID,
	})
}

// Lookup looks up a child node by name
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	defer func() {
		n.fsys.recordLookupTime(time.Since(start))
	}()

	var item tracker.Item
	var attr types.Attr
	errno := n.do(ctx, "lookup", func(h tracker.Handle) error {
		var err error
		item, attr, err = n.fsys.backend.Lookup(ctx, h, name)
		return err
	})
	if errno != fs.OK {
		return nil, errno
	}
	return n.newChild(ctx, item, attr, out), fs.OK
}

// Getattr gets item attributes
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var attr types.Attr
	errno := n.do(ctx, "getattr", func(h tracker.Handle) error {
		var err error
		attr, err = n.fsys.backend.GetAttr(ctx, h)
		return err
	})
	if errno != fs.OK {
		return errno
	}
	n.fsys.fillAttr(&out.Attr, attr, n.StableAttr().Ino)
	out.SetTimeout(n.fsys.config.AttrTimeout)
	return fs.OK
}

// Setattr changes mode, ownership, size or times
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	set := setAttrFrom(in)
	var attr types.Attr
	errno := n.do(ctx, "setattr", func(h tracker.Handle) error {
		var err error
		attr, err = n.fsys.backend.SetAttr(ctx, h, set)
		return err
	})
	if errno != fs.OK {
		return errno
	}
	n.fsys.fillAttr(&out.Attr, attr, n.StableAttr().Ino)
	out.SetTimeout(n.fsys.config.AttrTimeout)
	return fs.OK
}

// Readdir pages through the directory with readdir cookies
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	errno := n.do(ctx, "readdir", func(h tracker.Handle) error {
		entries = entries[:0]
		var cookie uint64
		for {
			page, err := n.fsys.backend.ReadDir(ctx, h, cookie, readdirBatch)
			if err != nil {
				return err
			}
			for _, e := range page {
				entries = append(entries, fuse.DirEntry{
					Name: e.Name,
					Mode: fileType(e.Attr.Mode),
					Ino:  e.ID,
				})
				cookie = e.Cookie
			}
			if len(page) < readdirBatch {
				return nil
			}
		}
	})
	if errno != fs.OK {
		return nil, errno
	}
	return fs.NewListDirStream(entries), fs.OK
}

// Mkdir creates a new directory
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, syscall.EROFS
	}

	var item tracker.Item
	var attr types.Attr
	errno := n.do(ctx, "mkdir", func(h tracker.Handle) error {
		var err error
		item, attr, err = n.fsys.backend.Mkdir(ctx, h, name, os.FileMode(mode&0o7777))
		return err
	})
	if errno != fs.OK {
		return nil, errno
	}
	return n.newChild(ctx, item, attr, out), fs.OK
}

// Create creates a new file and opens it for writing
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}

	var item tracker.Item
	var attr types.Attr
	errno = n.do(ctx, "create", func(h tracker.Handle) error {
		var err error
		item, attr, err = n.fsys.backend.Create(ctx, h, name, os.FileMode(mode&0o7777))
		return err
	})
	if errno != fs.OK {
		return nil, nil, 0, errno
	}

	n.fsys.stats.mu.Lock()
	n.fsys.stats.Creates++
	n.fsys.stats.mu.Unlock()

	node = n.newChild(ctx, item, attr, out)
	child, ok := node.Operations().(*Node)
	if !ok {
		return nil, nil, 0, syscall.EIO
	}
	fh, fuseFlags, errno = child.Open(ctx, flags|syscall.O_RDWR)
	return node, fh, fuseFlags, errno
}

// Unlink removes a file or symlink
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	errno := n.do(ctx, "unlink", func(h tracker.Handle) error {
		return n.fsys.backend.Remove(ctx, h, name)
	})
	if errno == fs.OK {
		n.fsys.stats.mu.Lock()
		n.fsys.stats.Deletes++
		n.fsys.stats.mu.Unlock()
	}
	return errno
}

// Rmdir removes an empty directory
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	errno := n.do(ctx, "rmdir", func(h tracker.Handle) error {
		return n.fsys.backend.Rmdir(ctx, h, name)
	})
	if errno == fs.OK {
		n.fsys.stats.mu.Lock()
		n.fsys.stats.Deletes++
		n.fsys.stats.mu.Unlock()
	}
	return errno
}

// Rename moves name to newName under newParent. Exchange and no-replace
// flags are not supported.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	if flags != 0 {
		return syscall.EINVAL
	}
	dst, ok := newParent.EmbeddedInode().Operations().(*Node)
	if !ok {
		return syscall.EXDEV
	}

	errno := n.do(ctx, "rename", func(src tracker.Handle) error {
		dh := dst.current()
		if _, ok := n.fsys.backend.Item(dh); !ok {
			var err error
			if dh, err = dst.reresolve(ctx); err != nil {
				return err
			}
		}
		return n.fsys.backend.Rename(ctx, src, name, dh, newName)
	})
	if errno == fs.OK {
		n.fsys.stats.mu.Lock()
		n.fsys.stats.Renames++
		n.fsys.stats.mu.Unlock()
	}
	return errno
}

// Symlink creates name pointing at target
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, syscall.EROFS
	}

	var item tracker.Item
	var attr types.Attr
	errno := n.do(ctx, "symlink", func(h tracker.Handle) error {
		var err error
		item, attr, err = n.fsys.backend.Symlink(ctx, h, name, target)
		return err
	})
	if errno != fs.OK {
		return nil, errno
	}
	return n.newChild(ctx, item, attr, out), fs.OK
}

// Readlink returns the link target
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	var target string
	errno := n.do(ctx, "readlink", func(h tracker.Handle) error {
		var err error
		target, err = n.fsys.backend.Readlink(ctx, h)
		return err
	})
	if errno != fs.OK {
		return nil, errno
	}
	return []byte(target), fs.OK
}

// Open opens a file
func (n *Node) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	writable := flags&syscall.O_ACCMODE != syscall.O_RDONLY
	if n.fsys.config.ReadOnly && (writable || flags&syscall.O_TRUNC != 0) {
		return nil, 0, syscall.EROFS
	}

	n.fsys.stats.mu.Lock()
	n.fsys.stats.Opens++
	n.fsys.stats.mu.Unlock()

	errno = n.do(ctx, "open", func(h tracker.Handle) error {
		return n.fsys.backend.Open(ctx, h, writable)
	})
	if errno != fs.OK {
		return nil, 0, errno
	}

	if n.fsys.config.DirectIO {
		fuseFlags |= fuse.FOPEN_DIRECT_IO
	}
	return &FileHandle{node: n, writable: writable}, fuseFlags, fs.OK
}

// Statfs reports remote capacity
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.backend.StatFS(ctx)
	if err != nil {
		return n.fsys.fail("statfs", n.fsys.backend.Root(), err)
	}
	out.Bsize = safeIntToUint32(int(st.BlockSize))
	out.Frsize = out.Bsize
	out.Blocks = st.Blocks
	out.Bfree = st.BlocksFree
	out.Bavail = st.BlocksAvail
	out.Files = st.Files
	out.Ffree = st.FilesFree
	out.NameLen = safeIntToUint32(int(st.NameMax))
	return fs.OK
}

// OnForget releases the tracked item once the kernel drops the inode
func (n *Node) OnForget() {
	n.fsys.backend.Reclaim(n.current())
}

// FileHandle represents an open file handle
type FileHandle struct {
	node     *Node
	writable bool

	mu    sync.Mutex
	dirty bool
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileFsyncer  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

// Read reads data from the file
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fsys := fh.node.fsys
	start := time.Now()
	defer func() {
		fsys.recordReadTime(time.Since(start))
	}()

	var data []byte
	errno := fh.node.do(ctx, "read", func(h tracker.Handle) error {
		var err error
		data, err = fsys.backend.Read(ctx, h, off, len(dest))
		return err
	})
	if errno != fs.OK {
		return nil, errno
	}

	fsys.stats.mu.Lock()
	fsys.stats.BytesRead += int64(len(data))
	fsys.stats.mu.Unlock()

	return fuse.ReadResultData(data), fs.OK
}

// Write writes data to the file
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	if !fh.writable {
		return 0, syscall.EBADF
	}

	fsys := fh.node.fsys
	start := time.Now()
	defer func() {
		fsys.recordWriteTime(time.Since(start))
	}()

	var n int
	errno = fh.node.do(ctx, "write", func(h tracker.Handle) error {
		var err error
		n, err = fsys.backend.Write(ctx, h, off, data)
		return err
	})
	if errno != fs.OK {
		return 0, errno
	}

	fh.mu.Lock()
	fh.dirty = true
	fh.mu.Unlock()

	fsys.stats.mu.Lock()
	fsys.stats.BytesWritten += int64(n)
	fsys.stats.mu.Unlock()

	return safeIntToUint32(n), fs.OK
}

// Flush commits pending writes when the descriptor is closed
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	fh.mu.Lock()
	dirty := fh.dirty
	fh.mu.Unlock()
	if !dirty {
		return fs.OK
	}

	errno := fh.node.do(ctx, "flush", func(h tracker.Handle) error {
		return fh.node.fsys.backend.Flush(ctx, h)
	})
	if errno == fs.OK {
		fh.mu.Lock()
		fh.dirty = false
		fh.mu.Unlock()
	}
	return errno
}

// Fsync commits written data to stable storage
func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if !fh.writable {
		return fs.OK
	}
	return fh.node.do(ctx, "fsync", func(h tracker.Handle) error {
		return fh.node.fsys.backend.Flush(ctx, h)
	})
}

// Release releases the file handle
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	return fh.node.do(ctx, "release", func(h tracker.Handle) error {
		return fh.node.fsys.backend.CloseItem(ctx, h, fh.writable)
	})
}

// Helper methods

// fillAttr converts remote attributes to kernel attributes.
func (fsys *FileSystem) fillAttr(out *fuse.Attr, attr types.Attr, ino uint64) {
	out.Ino = ino
	out.Size = safeInt64ToUint64(attr.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Mode = unixMode(attr.Mode)
	out.Nlink = 1
	if attr.IsDir() {
		out.Nlink = 2
	}
	out.Uid = attr.UID
	out.Gid = attr.GID
	if p := fsys.config.Permissions; p != nil {
		out.Uid = p.UID
		out.Gid = p.GID
	}

	atime := attr.AccessTime
	if atime.IsZero() {
		atime = attr.ModTime
	}
	out.SetTimes(&atime, &attr.ModTime, &attr.ModTime)
}

// fileType returns the S_IFMT bits of m.
func fileType(m os.FileMode) uint32 {
	switch {
	case m.IsDir():
		return fuse.S_IFDIR
	case m&os.ModeSymlink != 0:
		return fuse.S_IFLNK
	case m&os.ModeNamedPipe != 0:
		return syscall.S_IFIFO
	case m&os.ModeSocket != 0:
		return syscall.S_IFSOCK
	case m&os.ModeDevice != 0 && m&os.ModeCharDevice != 0:
		return syscall.S_IFCHR
	case m&os.ModeDevice != 0:
		return syscall.S_IFBLK
	}
	return fuse.S_IFREG
}

// unixMode converts an os.FileMode to a full st_mode.
func unixMode(m os.FileMode) uint32 {
	mode := fileType(m) | uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		mode |= syscall.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		mode |= syscall.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		mode |= syscall.S_ISVTX
	}
	return mode
}

// setAttrFrom extracts the requested changes from a kernel setattr.
func setAttrFrom(in *fuse.SetAttrIn) types.SetAttr {
	var set types.SetAttr
	if mode, ok := in.GetMode(); ok {
		m := os.FileMode(mode & 0o777)
		if mode&syscall.S_ISUID != 0 {
			m |= os.ModeSetuid
		}
		if mode&syscall.S_ISGID != 0 {
			m |= os.ModeSetgid
		}
		if mode&syscall.S_ISVTX != 0 {
			m |= os.ModeSticky
		}
		set.Mode = &m
	}
	if uid, ok := in.GetUID(); ok {
		set.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		set.GID = &gid
	}
	if size, ok := in.GetSize(); ok {
		set.Size = &size
	}
	if atime, ok := in.GetATime(); ok {
		set.Atime = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		set.Mtime = &mtime
	}
	return set
}

func (fsys *FileSystem) recordLookupTime(duration time.Duration) {
	fsys.stats.mu.Lock()
	defer fsys.stats.mu.Unlock()

	fsys.stats.Lookups++
	if fsys.stats.Lookups == 1 {
		fsys.stats.AvgLookupTime = duration
	} else {
		fsys.stats.AvgLookupTime = time.Duration(
			(int64(fsys.stats.AvgLookupTime)*9 + int64(duration)) / 10,
		)
	}
}

func (fsys *FileSystem) recordReadTime(duration time.Duration) {
	fsys.stats.mu.Lock()
	defer fsys.stats.mu.Unlock()

	fsys.stats.Reads++
	if fsys.stats.Reads == 1 {
		fsys.stats.AvgReadTime = duration
	} else {
		fsys.stats.AvgReadTime = time.Duration(
			(int64(fsys.stats.AvgReadTime)*9 + int64(duration)) / 10,
		)
	}
}

func (fsys *FileSystem) recordWriteTime(duration time.Duration) {
	fsys.stats.mu.Lock()
	defer fsys.stats.mu.Unlock()

	fsys.stats.Writes++
	if fsys.stats.Writes == 1 {
		fsys.stats.AvgWriteTime = duration
	} else {
		fsys.stats.AvgWriteTime = time.Duration(
			(int64(fsys.stats.AvgWriteTime)*9 + int64(duration)) / 10,
		)
	}
}
