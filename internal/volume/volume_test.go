package volume_test

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sftpvol/sftpvol/internal/config"
	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/internal/sftptest"
	"github.com/sftpvol/sftpvol/internal/tracker"
	"github.com/sftpvol/sftpvol/internal/volume"
	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/events"
	"github.com/sftpvol/sftpvol/pkg/recovery"
	"github.com/sftpvol/sftpvol/pkg/types"
)

func fastTuning() volume.Tuning {
	return volume.Tuning{
		HealthInterval: 50 * time.Millisecond,
		HealthTimeout:  time.Second,
		ReconnectWait:  5 * time.Second,
		BackoffBase:    10 * time.Millisecond,
	}
}

func newVolume(t *testing.T, srv *sftptest.Server, opts config.MountOptions, tune volume.Tuning) (*volume.Volume, tracker.Handle) {
	t.Helper()
	v, err := volume.New(session.Params{}, "/", opts, volume.Deps{
		Name:    "test",
		Dialer:  srv,
		Runtime: &session.Runtime{},
		Tuning:  tune,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	root, err := v.Activate(context.Background())
	require.NoError(t, err)
	return v, root
}

func singleWorkers() config.MountOptions {
	opts := config.DefaultMountOptions()
	opts.ReadWorkers = 1
	opts.WriteWorkers = 1
	return opts
}

func TestWriteThenReadWithCachedStat(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	v, root := newVolume(t, srv, singleWorkers(), fastTuning())
	ctx := context.Background()

	item, attr, err := v.Create(ctx, root, "notes.txt", 0o644)
	require.NoError(t, err)
	assert.Zero(t, attr.Size)

	// Prime the attribute cache so the write has something to invalidate.
	_, err = v.GetAttr(ctx, item.Handle)
	require.NoError(t, err)

	require.NoError(t, v.Open(ctx, item.Handle, true))
	n, err := v.Write(ctx, item.Handle, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, v.CloseItem(ctx, item.Handle, true))

	attr, err = v.GetAttr(ctx, item.Handle)
	require.NoError(t, err)
	assert.EqualValues(t, 5, attr.Size, "stat after write is never stale")

	data, err := v.Read(ctx, item.Handle, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	onServer, err := srv.ReadFile("/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(onServer))
}

func TestReadEdgeCases(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	require.NoError(t, srv.WriteFile("/short", []byte("abc")))
	v, root := newVolume(t, srv, config.DefaultMountOptions(), fastTuning())
	ctx := context.Background()

	item, _, err := v.Lookup(ctx, root, "short")
	require.NoError(t, err)

	data, err := v.Read(ctx, item.Handle, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, data)

	data, err = v.Read(ctx, item.Handle, 10, 4)
	require.NoError(t, err)
	assert.Empty(t, data, "read past end of file")

	_, err = v.Read(ctx, item.Handle, -1, 4)
	assert.Equal(t, syscall.EINVAL, volume.ToErrno(err))

	_, err = v.Read(ctx, tracker.Handle(9999), 0, 4)
	assert.Equal(t, syscall.ENOENT, volume.ToErrno(err))
}

func TestLookup(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	require.NoError(t, srv.WriteFile("/dir/file", []byte("x")))
	v, root := newVolume(t, srv, config.DefaultMountOptions(), fastTuning())
	ctx := context.Background()

	dir, attr, err := v.Lookup(ctx, root, "dir")
	require.NoError(t, err)
	assert.True(t, attr.IsDir())
	assert.Equal(t, "/dir", dir.Path)

	again, _, err := v.Lookup(ctx, root, "dir")
	require.NoError(t, err)
	assert.Equal(t, dir.Handle, again.Handle, "a tracked path keeps its handle")
	assert.Equal(t, dir.ID, again.ID)

	_, _, err = v.Lookup(ctx, root, "missing")
	assert.Equal(t, syscall.ENOENT, volume.ToErrno(err))

	_, _, err = v.Lookup(ctx, root, "../etc")
	assert.Equal(t, syscall.EINVAL, volume.ToErrno(err))

	_, _, err = v.Lookup(ctx, root, "a/b")
	assert.Equal(t, syscall.EINVAL, volume.ToErrno(err))
}

func TestReadDirCookies(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, srv.WriteFile("/d/"+name, []byte(name)))
	}
	v, root := newVolume(t, srv, config.DefaultMountOptions(), fastTuning())
	ctx := context.Background()

	dir, _, err := v.Lookup(ctx, root, "d")
	require.NoError(t, err)

	page, err := v.ReadDir(ctx, dir.Handle, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].Name)
	assert.EqualValues(t, 1, page[0].Cookie)
	assert.Equal(t, "b", page[1].Name)
	assert.EqualValues(t, 2, page[1].Cookie)
	first := page[0]

	// Entries added mid-enumeration do not shift the remaining positions.
	require.NoError(t, srv.WriteFile("/d/0", []byte("0")))

	page, err = v.ReadDir(ctx, dir.Handle, page[1].Cookie, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].Name)
	assert.EqualValues(t, 3, page[0].Cookie)
	assert.Equal(t, "/d/c", page[0].Attr.Path)

	page, err = v.ReadDir(ctx, dir.Handle, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, page)

	page, err = v.ReadDir(ctx, dir.Handle, 42, 0)
	require.NoError(t, err)
	assert.Empty(t, page, "cookie past the end")

	item, _, err := v.Lookup(ctx, dir.Handle, "a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, item.ID, "lookup reports the inode number the listing did")
}

func TestReadDirDoesNotTrackEntries(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	for i := 0; i < 50; i++ {
		require.NoError(t, srv.WriteFile(fmt.Sprintf("/many/f%02d", i), []byte("x")))
	}
	v, root := newVolume(t, srv, config.DefaultMountOptions(), fastTuning())
	ctx := context.Background()

	dir, _, err := v.Lookup(ctx, root, "many")
	require.NoError(t, err)
	before := v.Stats().Tracked

	for round := 0; round < 3; round++ {
		entries, err := v.ReadDir(ctx, dir.Handle, 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 50)
	}
	assert.Equal(t, before, v.Stats().Tracked, "listing alone must not grow the tracker")

	entries, err := v.ReadDir(ctx, dir.Handle, 0, 0)
	require.NoError(t, err)
	ids := make(map[uint64]bool)
	for _, e := range entries {
		assert.False(t, ids[e.ID], "duplicate id for %s", e.Name)
		ids[e.ID] = true
	}
}

func TestStructuralOperations(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	v, root := newVolume(t, srv, config.DefaultMountOptions(), fastTuning())
	ctx := context.Background()

	dir, attr, err := v.Mkdir(ctx, root, "src", 0o755)
	require.NoError(t, err)
	assert.True(t, attr.IsDir())

	file, _, err := v.Create(ctx, dir.Handle, "main.go", 0o644)
	require.NoError(t, err)

	_, _, err = v.Create(ctx, dir.Handle, "main.go", 0o644)
	assert.Equal(t, syscall.EEXIST, volume.ToErrno(err))
	_, _, err = v.Mkdir(ctx, root, "src", 0o755)
	assert.Equal(t, syscall.EEXIST, volume.ToErrno(err))

	link, attr, err := v.Symlink(ctx, dir.Handle, "latest", "/src/main.go")
	require.NoError(t, err)
	assert.True(t, attr.IsSymlink())
	target, err := v.Readlink(ctx, link.Handle)
	require.NoError(t, err)
	assert.Equal(t, "/src/main.go", target)

	size := uint64(0)
	attr, err = v.SetAttr(ctx, file.Handle, types.SetAttr{Size: &size})
	require.NoError(t, err)
	assert.Zero(t, attr.Size)

	entries, err := v.ReadDir(ctx, dir.Handle, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, v.Rename(ctx, dir.Handle, "main.go", dir.Handle, "app.go"))
	_, ok := v.Item(file.Handle)
	assert.False(t, ok, "renamed item is forgotten")

	moved, _, err := v.Resolve(ctx, "/src/app.go")
	require.NoError(t, err)
	assert.NotEqual(t, file.ID, moved.ID)

	_, _, err = v.Lookup(ctx, dir.Handle, "main.go")
	assert.Equal(t, syscall.ENOENT, volume.ToErrno(err), "listing cache was invalidated by the rename")

	err = v.Rmdir(ctx, root, "src")
	assert.Error(t, err, "directory is not empty")

	require.NoError(t, v.Remove(ctx, dir.Handle, "latest"))
	require.NoError(t, v.Remove(ctx, dir.Handle, "app.go"))
	_, ok = v.Item(moved.Handle)
	assert.False(t, ok)

	require.NoError(t, v.Rmdir(ctx, root, "src"))
	_, ok = v.Item(dir.Handle)
	assert.False(t, ok)

	_, _, err = v.Resolve(ctx, "/elsewhere/../../etc")
	assert.Error(t, err)
}

func TestRemoveReleasesOpenHandles(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	require.NoError(t, srv.WriteFile("/a", []byte("new")))
	require.NoError(t, srv.WriteFile("/b", []byte("old")))
	v, root := newVolume(t, srv, singleWorkers(), fastTuning())
	ctx := context.Background()

	b, _, err := v.Lookup(ctx, root, "b")
	require.NoError(t, err)
	require.NoError(t, v.Open(ctx, b.Handle, true))

	require.NoError(t, v.Remove(ctx, root, "b"))
	for _, w := range v.Stats().Workers {
		assert.Zero(t, w.Handles, "%s released its handle on the removed file", w.Name)
	}
	require.NoError(t, v.Rename(ctx, root, "a", root, "b"))

	item, _, err := v.Lookup(ctx, root, "b")
	require.NoError(t, err)
	data, err := v.Read(ctx, item.Handle, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestStatFS(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	v, _ := newVolume(t, srv, config.DefaultMountOptions(), fastTuning())

	st, err := v.StatFS(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, st.BlockSize)
}

func TestGitProfileSyncClose(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	opts := config.DefaultMountOptions().WithProfile(config.ProfileGit)
	v, root := newVolume(t, srv, opts, fastTuning())
	ctx := context.Background()

	item, _, err := v.Create(ctx, root, "HEAD", 0o644)
	require.NoError(t, err)
	require.NoError(t, v.Open(ctx, item.Handle, true))
	_, err = v.Write(ctx, item.Handle, 0, []byte("ref: refs/heads/main\n"))
	require.NoError(t, err)
	require.NoError(t, v.CloseItem(ctx, item.Handle, true))

	onServer, err := srv.ReadFile("/HEAD")
	require.NoError(t, err)
	assert.Equal(t, "ref: refs/heads/main\n", string(onServer))

	stats := v.Stats()
	assert.Equal(t, "git", stats.Profile)
	assert.EqualValues(t, 8, stats.Admission.Capacity)
	assert.Zero(t, stats.Cache.AttrEntries, "git profile caches nothing")
	for _, w := range stats.Workers {
		assert.Zero(t, w.Handles, "%s keeps no handle after close", w.Name)
	}
}

func TestKillMidReadRecovers(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	require.NoError(t, srv.WriteFile("/payload", []byte("survives")))
	v, root := newVolume(t, srv, singleWorkers(), fastTuning())
	ctx := context.Background()

	require.Eventually(t, func() bool { return v.State() == recovery.StateConnected },
		2*time.Second, 10*time.Millisecond)

	ch := v.Subscribe()
	defer v.Unsubscribe(ch)

	item, _, err := v.Lookup(ctx, root, "payload")
	require.NoError(t, err)

	// Sever every connection while the server is answering the first read.
	var killed sync.Once
	reads := 0
	var readsMu sync.Mutex
	srv.OnRead(func(string) {
		readsMu.Lock()
		reads++
		readsMu.Unlock()
		killed.Do(srv.KillAll)
	})
	t.Cleanup(func() { srv.OnRead(nil) })

	dials := srv.Dials()
	start := time.Now()
	data, err := v.Read(ctx, item.Handle, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, "survives", string(data))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Greater(t, srv.Dials(), dials)
	readsMu.Lock()
	assert.GreaterOrEqual(t, reads, 2, "the read was retried on a new connection")
	readsMu.Unlock()

	var sawReconnecting bool
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == events.EventReconnecting {
				sawReconnecting = true
				assert.Equal(t, v.ID(), e.MountID)
			}
			if e.Type == events.EventConnected && sawReconnecting {
				assert.GreaterOrEqual(t, v.Stats().Monitor.Reconnects, uint64(1))
				return
			}
		case <-timeout:
			t.Fatal("no reconnecting/connected notification pair")
		}
	}
}

func TestStalledReadIsBounded(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	require.NoError(t, srv.WriteFile("/stuck", []byte("never")))
	opts := config.DefaultMountOptions().WithProfile(config.ProfileGit)
	tune := fastTuning()
	tune.ReconnectWait = 500 * time.Millisecond
	v, root := newVolume(t, srv, opts, tune)
	ctx := context.Background()

	item, _, err := v.Lookup(ctx, root, "stuck")
	require.NoError(t, err)

	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	srv.OnRead(func(string) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	t.Cleanup(func() { close(release) })

	done := make(chan error, 1)
	go func() {
		_, err := v.Read(ctx, item.Handle, 0, 5)
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, syscall.ETIMEDOUT, volume.ToErrno(err))
	case <-time.After(10 * time.Second):
		t.Fatal("blocking read was never bounded")
	}

	// A read stuck on the wire must not hold up deactivation.
	require.Eventually(t, func() bool { return v.State() == recovery.StateConnected },
		5*time.Second, 10*time.Millisecond)
	for len(entered) > 0 {
		<-entered
	}
	go func() {
		_, err := v.Read(ctx, item.Handle, 0, 5)
		done <- err
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("second read never reached the server")
	}

	deactivated := make(chan error, 1)
	go func() { deactivated <- v.Deactivate(ctx) }()
	select {
	case err := <-deactivated:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("deactivate waited on a stalled read")
	}
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled read outlived deactivation")
	}
}

func TestGetAttrCoherentWithConcurrentWrites(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	opts := singleWorkers()
	opts.CacheAttrS = 60
	opts.CacheDirS = 60
	v, root := newVolume(t, srv, opts, fastTuning())
	ctx := context.Background()

	item, _, err := v.Create(ctx, root, "grow", 0o644)
	require.NoError(t, err)
	require.NoError(t, v.Open(ctx, item.Handle, true))

	for i := 1; i <= 100; i++ {
		var wg sync.WaitGroup
		for r := 0; r < 2; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 3; j++ {
					_, _ = v.GetAttr(ctx, item.Handle)
					_, _ = v.ReadDir(ctx, root, 0, 0)
				}
			}()
		}
		_, err := v.Write(ctx, item.Handle, int64(i-1), []byte("x"))
		require.NoError(t, err)
		wg.Wait()

		attr, err := v.GetAttr(ctx, item.Handle)
		require.NoError(t, err)
		if attr.Size != int64(i) {
			t.Fatalf("round %d: stat after write returned size %d", i, attr.Size)
		}
		entries, err := v.ReadDir(ctx, root, 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		if entries[0].Attr.Size != int64(i) {
			t.Fatalf("round %d: listing after write returned size %d", i, entries[0].Attr.Size)
		}
	}
	require.NoError(t, v.CloseItem(ctx, item.Handle, true))
}

func TestAdmissionOverflow(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	require.NoError(t, srv.WriteFile("/slow", []byte("slow")))
	require.NoError(t, srv.WriteFile("/other", []byte("other")))

	opts := singleWorkers()
	opts.QueueTimeoutMs = 50
	tune := fastTuning()
	tune.AdmissionCapacity = 1
	v, root := newVolume(t, srv, opts, tune)
	ctx := context.Background()

	slow, _, err := v.Lookup(ctx, root, "slow")
	require.NoError(t, err)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	srv.OnRead(func(p string) {
		if p == "/slow" {
			once.Do(func() { close(entered) })
			<-unblock
		}
	})

	readErr := make(chan error, 1)
	go func() {
		_, err := v.Read(ctx, slow.Handle, 0, 4)
		readErr <- err
	}()
	<-entered

	_, _, err = v.Lookup(ctx, root, "other")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeWorkerBusy))
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, syscall.EAGAIN, volume.ToErrno(err))
	assert.EqualValues(t, 1, v.Stats().Admission.Rejected)

	srv.OnRead(nil)
	close(unblock)
	require.NoError(t, <-readErr)

	require.Eventually(t, func() bool {
		_, _, err := v.Lookup(ctx, root, "other")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "volume recovers once the slot frees up")
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	require.NoError(t, srv.WriteFile("/file", []byte("x")))

	v, err := volume.New(session.Params{}, "/", config.DefaultMountOptions(), volume.Deps{
		Dialer:  srv,
		Runtime: &session.Runtime{},
		Tuning:  fastTuning(),
	})
	require.NoError(t, err)
	defer v.Close()

	_, err = v.StatFS(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState), "not active before Activate")

	srv.FailNextDials(syscall.ECONNREFUSED)
	_, err = v.Activate(context.Background())
	require.Error(t, err)

	root, err := v.Activate(context.Background())
	require.NoError(t, err, "failed activation can be retried")
	assert.Equal(t, "/", v.Root())

	_, err = v.Activate(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	require.NoError(t, v.Deactivate(context.Background()))
	_, _, err = v.Lookup(context.Background(), root, "file")
	assert.True(t, errors.HasCode(err, errors.ErrCodeShutdownInProgress))
	assert.Equal(t, syscall.ENOTCONN, volume.ToErrno(err))
}

func TestActivateRejectsFileRoot(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	require.NoError(t, srv.WriteFile("/file", []byte("x")))

	v, err := volume.New(session.Params{}, "/file", config.DefaultMountOptions(), volume.Deps{
		Dialer:  srv,
		Runtime: &session.Runtime{},
	})
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Activate(context.Background())
	require.Error(t, err)
	assert.Equal(t, syscall.ENOTDIR, volume.ToErrno(err))
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Parallel()
	opts := config.DefaultMountOptions()
	opts.ReadWorkers = 0
	_, err := volume.New(session.Params{}, "/", opts, volume.Deps{Dialer: sftptest.NewServer()})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidFormat))

	_, err = volume.New(session.Params{}, "/", config.DefaultMountOptions(), volume.Deps{})
	assert.Error(t, err, "host is required without a dialer")
}

func TestCheckConnection(t *testing.T) {
	t.Parallel()
	srv := sftptest.NewServer()
	require.NoError(t, srv.Mkdir("/srv/data"))
	require.NoError(t, srv.WriteFile("/srv/file", []byte("x")))
	ctx := context.Background()

	res, err := volume.CheckConnection(ctx, srv, "/srv/data", nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/data", res.Root)

	_, err = volume.CheckConnection(ctx, srv, "/srv/file", nil)
	assert.Equal(t, syscall.ENOTDIR, volume.ToErrno(err))

	_, err = volume.CheckConnection(ctx, srv, "/nope", nil)
	assert.Equal(t, syscall.ENOENT, volume.ToErrno(err))

	assert.Eventually(t, func() bool { return srv.Live() == 0 }, time.Second, 10*time.Millisecond,
		"check leaves no connection behind")
}
