package volume

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/config"
	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/internal/sftptest"
	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/types"
)

func testWorker(t *testing.T, srv *sftptest.Server) *worker {
	t.Helper()
	sess := session.New(session.Options{Name: "w", Dialer: srv, Runtime: &session.Runtime{}})
	t.Cleanup(func() { _ = sess.Close() })
	w := newWorker("w", RoleRead, sess, 0, zap.NewNop())
	w.start()
	t.Cleanup(w.stop)
	return w
}

func TestWorkerRunsInOrder(t *testing.T) {
	w := testWorker(t, sftptest.NewServer())
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Hold the worker so the following tasks queue up behind it.
	hold := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = w.submit(ctx, func(ctx context.Context, s *session.Session) error {
			<-hold
			return nil
		})
	}()
	require.Eventually(t, w.busy.Load, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.submit(ctx, func(ctx context.Context, s *session.Session) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		require.Eventually(t, func() bool { return len(w.queue) == i+1 },
			time.Second, time.Millisecond)
	}
	close(hold)
	wg.Wait()

	if fmt.Sprint(order) != "[0 1 2 3 4]" {
		t.Errorf("tasks ran out of order: %v", order)
	}
	assert.EqualValues(t, 6, w.getStats().Executed)
}

func TestWorkerConnectsLazily(t *testing.T) {
	srv := sftptest.NewServer()
	w := testWorker(t, srv)

	assert.False(t, w.sess.Connected())
	err := w.submit(context.Background(), func(ctx context.Context, s *session.Session) error {
		_, err := s.Lstat(ctx, "/")
		return err
	})
	require.NoError(t, err)
	assert.True(t, w.sess.Connected())
	assert.Equal(t, 1, srv.Dials())
}

func TestWorkerStaleReconnects(t *testing.T) {
	srv := sftptest.NewServer()
	w := testWorker(t, srv)
	ctx := context.Background()
	lstat := func(ctx context.Context, s *session.Session) error {
		_, err := s.Lstat(ctx, "/")
		return err
	}

	require.NoError(t, w.submit(ctx, lstat))
	srv.KillAll()

	err := w.submit(ctx, lstat)
	require.Error(t, err)
	assert.True(t, session.IsConnectionError(err))
	assert.True(t, w.stale.Load(), "a transport failure marks the worker stale")

	require.NoError(t, w.submit(ctx, lstat))
	assert.False(t, w.stale.Load())
	assert.EqualValues(t, 2, w.sess.Connects())
}

func TestWorkerReconnectWhileBusy(t *testing.T) {
	w := testWorker(t, sftptest.NewServer())
	ctx := context.Background()

	hold := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- w.submit(ctx, func(ctx context.Context, s *session.Session) error {
			<-hold
			return nil
		})
	}()
	require.Eventually(t, w.busy.Load, time.Second, time.Millisecond)

	require.NoError(t, w.reconnect(ctx))
	assert.True(t, w.stale.Load(), "busy worker reconnects before its next task")
	assert.False(t, w.sess.Connected(), "busy worker loses its transport")
	close(hold)
	require.NoError(t, <-done)

	require.NoError(t, w.submit(ctx, func(ctx context.Context, s *session.Session) error {
		_, err := s.Lstat(ctx, "/")
		return err
	}))
	assert.False(t, w.stale.Load())
}

func TestWorkerReconnectFailsStalledCall(t *testing.T) {
	srv := sftptest.NewServer()
	require.NoError(t, srv.WriteFile("/slow", []byte("zzz")))
	w := testWorker(t, srv)
	ctx := context.Background()

	entered := make(chan struct{}, 1)
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
		done <- w.submit(ctx, func(ctx context.Context, s *session.Session) error {
			_, err := s.ReadFile(ctx, "/slow", 0, 3)
			return err
		})
	}()
	<-entered

	require.NoError(t, w.reconnect(ctx))
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, session.IsConnectionError(err))
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect left the stalled read running")
	}
}

func TestWorkerHaltReleasesWaiter(t *testing.T) {
	srv := sftptest.NewServer()
	sess := session.New(session.Options{Name: "w", Dialer: srv, Runtime: &session.Runtime{}})
	defer sess.Close()
	w := newWorker("w", RoleRead, sess, 0, zap.NewNop())
	w.start()

	hold := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- w.submit(context.Background(), func(ctx context.Context, s *session.Session) error {
			<-hold
			return nil
		})
	}()
	require.Eventually(t, w.busy.Load, time.Second, time.Millisecond)

	w.halt()
	err := <-done
	assert.True(t, errors.HasCode(err, errors.ErrCodeShutdownInProgress))

	close(hold)
	w.wait()
	assert.False(t, w.busy.Load())
}

func TestWorkerStopFailsQueued(t *testing.T) {
	srv := sftptest.NewServer()
	sess := session.New(session.Options{Name: "w", Dialer: srv, Runtime: &session.Runtime{}})
	defer sess.Close()
	w := newWorker("w", RoleWrite, sess, 0, zap.NewNop())
	w.start()
	w.stop()

	err := w.submit(context.Background(), func(ctx context.Context, s *session.Session) error { return nil })
	assert.True(t, errors.HasCode(err, errors.ErrCodeShutdownInProgress))
	w.stop()
}

func TestWorkerSkipsCancelledTask(t *testing.T) {
	w := testWorker(t, sftptest.NewServer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := w.submit(ctx, func(ctx context.Context, s *session.Session) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestRouting(t *testing.T) {
	opts := config.DefaultMountOptions()
	opts.ReadWorkers = 3
	opts.WriteWorkers = 4
	v, err := New(session.Params{}, "/", opts, Deps{Dialer: sftptest.NewServer(), Runtime: &session.Runtime{}})
	require.NoError(t, err)
	defer v.Close()

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		seen[v.reader().name]++
	}
	assert.Equal(t, map[string]int{"read-1": 3, "read-2": 3, "read-3": 3}, seen, "reads rotate evenly")

	for i := 0; i < 50; i++ {
		p := fmt.Sprintf("/dir/file-%d", i)
		assert.Same(t, v.writer(p), v.writer(p), "writes to one path share a worker")
	}

	used := make(map[string]bool)
	for i := 0; i < 200; i++ {
		used[v.writer(fmt.Sprintf("/f%d", i)).name] = true
	}
	assert.Len(t, used, 4, "paths spread over every write worker")
}

func TestAdmissionTimeout(t *testing.T) {
	a := newAdmission(1, 20*time.Millisecond, types.NopMetrics{})
	ctx := context.Background()

	release, err := a.acquire(ctx, "read")
	require.NoError(t, err)
	assert.Equal(t, 1, a.current())

	_, err = a.acquire(ctx, "read")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeWorkerBusy))
	assert.True(t, errors.IsTransient(err))

	release()
	release()
	assert.Zero(t, a.current(), "release is idempotent")

	release, err = a.acquire(ctx, "read")
	require.NoError(t, err)
	release()

	st := a.stats()
	assert.EqualValues(t, 2, st.Admitted)
	assert.EqualValues(t, 1, st.Rejected)
}
