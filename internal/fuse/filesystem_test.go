package fuse

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sftpvol/sftpvol/internal/config"
	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/internal/sftptest"
	"github.com/sftpvol/sftpvol/internal/volume"
	"github.com/sftpvol/sftpvol/pkg/types"
)

// newTestTree activates a volume over an in-memory server and builds a
// node tree on it. The tree is never mounted; NewNodeFS only wires the
// inodes so node methods can be called directly.
func newTestTree(t *testing.T, srv *sftptest.Server) (*FileSystem, *Node) {
	t.Helper()
	opts := config.DefaultMountOptions()
	opts.ReadWorkers = 1
	opts.WriteWorkers = 1

	vol, err := volume.New(session.Params{}, "/", opts, volume.Deps{
		Name:    "fuse-test",
		Dialer:  srv,
		Runtime: &session.Runtime{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vol.Close() })

	rootHandle, err := vol.Activate(context.Background())
	require.NoError(t, err)

	fsys := NewFileSystem(vol, nil)
	fsys.SetRoot(rootHandle)
	root := fsys.Root().(*Node)
	fs.NewNodeFS(root, &fs.Options{})
	return fsys, root
}

// lookup resolves name below dir and attaches the child the way the
// kernel bridge does after a successful lookup.
func lookup(t *testing.T, dir *Node, name string) (*Node, fuse.EntryOut) {
	t.Helper()
	var out fuse.EntryOut
	inode, errno := dir.Lookup(context.Background(), name, &out)
	require.Equal(t, fs.OK, errno, "lookup %s", name)
	dir.AddChild(name, inode, true)
	return inode.Operations().(*Node), out
}

func TestLookupAndGetattr(t *testing.T) {
	srv := sftptest.NewServer()
	require.NoError(t, srv.Mkdir("/docs"))
	require.NoError(t, srv.WriteFile("/docs/readme.md", []byte("hello fuse")))
	fsys, root := newTestTree(t, srv)
	ctx := context.Background()

	docs, out := lookup(t, root, "docs")
	assert.EqualValues(t, fuse.S_IFDIR, out.Attr.Mode&syscall.S_IFMT)
	assert.NotZero(t, out.Attr.Ino)

	file, out := lookup(t, docs, "readme.md")
	assert.EqualValues(t, fuse.S_IFREG, out.Attr.Mode&syscall.S_IFMT)
	assert.EqualValues(t, 10, out.Attr.Size)

	var attr fuse.AttrOut
	require.Equal(t, fs.OK, file.Getattr(ctx, nil, &attr))
	assert.EqualValues(t, 10, attr.Size)

	var missing fuse.EntryOut
	_, errno := docs.Lookup(ctx, "nope", &missing)
	assert.Equal(t, syscall.ENOENT, errno)

	assert.GreaterOrEqual(t, fsys.GetStats().Lookups, int64(3))
}

func TestReaddirPagesEveryEntry(t *testing.T) {
	srv := sftptest.NewServer()
	names := map[string]bool{}
	for i := 0; i < readdirBatch+10; i++ {
		name := fmt.Sprintf("f%03d", i)
		names[name] = true
		require.NoError(t, srv.WriteFile("/"+name, nil))
	}
	_, root := newTestTree(t, srv)

	stream, errno := root.Readdir(context.Background())
	require.Equal(t, fs.OK, errno)
	defer stream.Close()

	seen := map[string]bool{}
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, fs.OK, errno)
		assert.NotZero(t, e.Ino, "%s has an inode number", e.Name)
		seen[e.Name] = true
	}
	assert.Equal(t, names, seen)
}

func TestCreateWriteRead(t *testing.T) {
	srv := sftptest.NewServer()
	fsys, root := newTestTree(t, srv)
	ctx := context.Background()

	var out fuse.EntryOut
	inode, fh, _, errno := root.Create(ctx, "new.txt", syscall.O_WRONLY|syscall.O_CREAT, 0o644, &out)
	require.Equal(t, fs.OK, errno)
	root.AddChild("new.txt", inode, true)

	handle := fh.(*FileHandle)
	n, errno := handle.Write(ctx, []byte("written through fuse"), 0)
	require.Equal(t, fs.OK, errno)
	assert.EqualValues(t, 20, n)
	require.Equal(t, fs.OK, handle.Flush(ctx))
	require.Equal(t, fs.OK, handle.Release(ctx))

	data, err := srv.ReadFile("/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "written through fuse", string(data))

	node := inode.Operations().(*Node)
	rfh, _, errno := node.Open(ctx, syscall.O_RDONLY)
	require.Equal(t, fs.OK, errno)
	res, errno := rfh.(*FileHandle).Read(ctx, make([]byte, 64), 8)
	require.Equal(t, fs.OK, errno)
	buf, status := res.Bytes(make([]byte, 64))
	require.True(t, status.Ok())
	assert.Equal(t, "through fuse", string(buf))

	_, errno = rfh.(*FileHandle).Write(ctx, []byte("x"), 0)
	assert.Equal(t, syscall.EBADF, errno, "read-only descriptor")

	stats := fsys.GetStats()
	assert.EqualValues(t, 1, stats.Creates)
	assert.EqualValues(t, 20, stats.BytesWritten)
	assert.EqualValues(t, 12, stats.BytesRead)
}

func TestRenamedNodeResolvesAgain(t *testing.T) {
	srv := sftptest.NewServer()
	require.NoError(t, srv.Mkdir("/a"))
	require.NoError(t, srv.WriteFile("/a/file", []byte("payload")))
	fsys, root := newTestTree(t, srv)
	ctx := context.Background()

	dirA, _ := lookup(t, root, "a")
	file, _ := lookup(t, dirA, "file")
	stale := file.current()

	require.Equal(t, fs.OK, dirA.Rename(ctx, "file", dirA, "moved", 0))
	dirA.MvChild("file", dirA.EmbeddedInode(), "moved", true)

	var attr fuse.AttrOut
	require.Equal(t, fs.OK, file.Getattr(ctx, nil, &attr))
	assert.EqualValues(t, 7, attr.Size)
	assert.NotEqual(t, stale, file.current(), "handle was replaced")
	assert.Equal(t, "/a/moved", file.remotePath())
	assert.EqualValues(t, 1, fsys.GetStats().Reresolved)

	assert.Equal(t, syscall.EINVAL, dirA.Rename(ctx, "moved", dirA, "again", 1))
}

func TestMkdirUnlinkRmdir(t *testing.T) {
	srv := sftptest.NewServer()
	_, root := newTestTree(t, srv)
	ctx := context.Background()

	var out fuse.EntryOut
	inode, errno := root.Mkdir(ctx, "sub", 0o755, &out)
	require.Equal(t, fs.OK, errno)
	root.AddChild("sub", inode, true)
	sub := inode.Operations().(*Node)

	fhInode, fh, _, errno := sub.Create(ctx, "x", syscall.O_WRONLY, 0o600, &out)
	require.Equal(t, fs.OK, errno)
	sub.AddChild("x", fhInode, true)
	require.Equal(t, fs.OK, fh.(*FileHandle).Release(ctx))

	assert.NotEqual(t, fs.OK, root.Rmdir(ctx, "sub"), "directory is not empty")
	require.Equal(t, fs.OK, sub.Unlink(ctx, "x"))
	require.Equal(t, fs.OK, root.Rmdir(ctx, "sub"))

	_, err := srv.ReadFile("/sub/x")
	assert.Error(t, err)
}

func TestReadOnlyRejectsMutations(t *testing.T) {
	srv := sftptest.NewServer()
	require.NoError(t, srv.WriteFile("/f", []byte("data")))
	fsys, root := newTestTree(t, srv)
	fsys.config.ReadOnly = true
	ctx := context.Background()

	var out fuse.EntryOut
	_, errno := root.Mkdir(ctx, "d", 0o755, &out)
	assert.Equal(t, syscall.EROFS, errno)
	_, _, _, errno = root.Create(ctx, "c", 0, 0o644, &out)
	assert.Equal(t, syscall.EROFS, errno)
	assert.Equal(t, syscall.EROFS, root.Unlink(ctx, "f"))

	file, _ := lookup(t, root, "f")
	_, _, errno = file.Open(ctx, syscall.O_RDWR)
	assert.Equal(t, syscall.EROFS, errno)
	_, _, errno = file.Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, fs.OK, errno)
}

func TestUnixMode(t *testing.T) {
	tests := []struct {
		in   os.FileMode
		want uint32
	}{
		{0o644, syscall.S_IFREG | 0o644},
		{os.ModeDir | 0o755, syscall.S_IFDIR | 0o755},
		{os.ModeSymlink | 0o777, syscall.S_IFLNK | 0o777},
		{os.ModeNamedPipe | 0o600, syscall.S_IFIFO | 0o600},
		{os.ModeSetuid | 0o755, syscall.S_IFREG | syscall.S_ISUID | 0o755},
		{os.ModeDir | os.ModeSticky | 0o777, syscall.S_IFDIR | syscall.S_ISVTX | 0o777},
	}
	for _, tt := range tests {
		if got := unixMode(tt.in); got != tt.want {
			t.Errorf("unixMode(%v) = %o, want %o", tt.in, got, tt.want)
		}
	}
}

func TestFillAttr(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	attr := types.Attr{Size: 1025, Mode: 0o640, ModTime: mtime, UID: 501, GID: 20}

	fsys := NewFileSystem(nil, nil)
	var out fuse.Attr
	fsys.fillAttr(&out, attr, 42)
	assert.EqualValues(t, 42, out.Ino)
	assert.EqualValues(t, 3, out.Blocks)
	assert.EqualValues(t, 501, out.Uid)
	assert.EqualValues(t, mtime.Unix(), out.Mtime)
	assert.EqualValues(t, mtime.Unix(), out.Atime, "missing atime falls back to mtime")

	fsys.config.Permissions = &Permissions{UID: 1000, GID: 1000}
	fsys.fillAttr(&out, attr, 42)
	assert.EqualValues(t, 1000, out.Uid)
	assert.EqualValues(t, 1000, out.Gid)
}

func TestSetAttrFrom(t *testing.T) {
	in := &fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_MODE | fuse.FATTR_SIZE
	in.Mode = syscall.S_IFREG | syscall.S_ISGID | 0o750
	in.Size = 99

	set := setAttrFrom(in)
	require.NotNil(t, set.Mode)
	assert.Equal(t, os.ModeSetgid|0o750, *set.Mode)
	require.NotNil(t, set.Size)
	assert.EqualValues(t, 99, *set.Size)
	assert.Nil(t, set.UID)
	assert.Nil(t, set.Mtime)
}

func TestSafeConversions(t *testing.T) {
	if safeInt64ToUint64(-1) != 0 {
		t.Error("negative int64 should clamp to 0")
	}
	if safeIntToUint32(-5) != 0 {
		t.Error("negative int should clamp to 0")
	}
	if safeIntToUint32(1<<40) != 0xFFFFFFFF {
		t.Error("large int should clamp to max uint32")
	}
}
