package volume

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/pkg/errors"
)

// Role says which traffic a worker carries
type Role int

const (
	RolePrimary Role = iota
	RoleRead
	RoleWrite
)

// String returns the string representation of a role
func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	default:
		return "unknown"
	}
}

// task is one unit of work queued on a worker
type task struct {
	ctx  context.Context
	fn   func(ctx context.Context, s *session.Session) error
	done chan error
}

// worker runs tasks against one session strictly in submission order
type worker struct {
	name   string
	role   Role
	sess   *session.Session
	logger *zap.Logger

	queue  chan *task
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool

	// busy is set while a task runs; stale asks the worker to reconnect
	// its session before the next task.
	busy  atomic.Bool
	stale atomic.Bool

	stats workerCounters
}

type workerCounters struct {
	executed atomic.Uint64
	failed   atomic.Uint64
	queued   atomic.Int64
}

// WorkerStats tracks worker statistics
type WorkerStats struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Connected bool   `json:"connected"`
	Busy      bool   `json:"busy"`
	Queued    int64  `json:"queued"`
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`
	Handles   int    `json:"open_handles"`
	Connects  int64  `json:"connects"`
}

func newWorker(name string, role Role, sess *session.Session, depth int, logger *zap.Logger) *worker {
	if depth <= 0 {
		depth = 64
	}
	return &worker{
		name:   name,
		role:   role,
		sess:   sess,
		logger: logger.With(zap.String("worker", name)),
		queue:  make(chan *task, depth),
		stopCh: make(chan struct{}),
	}
}

// start launches the serial loop
func (w *worker) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.processLoop()
}

// stop ends the loop and waits for it. Queued tasks that have not started
// fail with SHUTDOWN_IN_PROGRESS.
func (w *worker) stop() {
	w.halt()
	w.wait()
}

// halt tells the loop to exit after the running task. Callers still waiting
// on a task get SHUTDOWN_IN_PROGRESS right away.
func (w *worker) halt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	close(w.stopCh)
}

// wait blocks until the loop has exited and fails whatever is still queued.
func (w *worker) wait() {
	w.wg.Wait()

	for {
		select {
		case t := <-w.queue:
			t.done <- errShutdown()
		default:
			return
		}
	}
}

// submit queues fn and waits for its result. A task whose context ends
// before it is dequeued is skipped.
func (w *worker) submit(ctx context.Context, fn func(ctx context.Context, s *session.Session) error) error {
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case <-w.stopCh:
		return errShutdown()
	default:
	}

	w.stats.queued.Add(1)
	select {
	case w.queue <- t:
	case <-ctx.Done():
		w.stats.queued.Add(-1)
		return ctx.Err()
	case <-w.stopCh:
		w.stats.queued.Add(-1)
		return errShutdown()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return errShutdown()
	}
}

func (w *worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case t := <-w.queue:
			w.stats.queued.Add(-1)
			select {
			case <-w.stopCh:
				t.done <- errShutdown()
				return
			default:
			}
			w.run(t)
		}
	}
}

func (w *worker) run(t *task) {
	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}

	w.busy.Store(true)
	defer w.busy.Store(false)

	if err := w.ensureConnected(t.ctx); err != nil {
		w.stats.failed.Add(1)
		t.done <- err
		return
	}

	err := t.fn(t.ctx, w.sess)
	w.stats.executed.Add(1)
	if err != nil {
		w.stats.failed.Add(1)
		if session.IsConnectionError(err) {
			w.stale.Store(true)
		}
	}
	t.done <- err
}

// ensureConnected makes one connection attempt when the session was
// dropped or marked stale by a reconnect that ran while the worker was busy.
func (w *worker) ensureConnected(ctx context.Context) error {
	if w.stale.Load() {
		w.logger.Debug("Reconnecting stale session")
		if err := w.sess.Reconnect(ctx); err != nil {
			return err
		}
		w.stale.Store(false)
		return nil
	}
	if !w.sess.Connected() {
		return w.sess.Connect(ctx)
	}
	return nil
}

// reconnect re-establishes an idle worker's session now. A busy worker loses
// its transport, so the call it is stuck in fails, and reconnects before its
// next task.
func (w *worker) reconnect(ctx context.Context) error {
	if w.busy.Load() {
		w.stale.Store(true)
		w.sess.Disconnect()
		return nil
	}
	if err := w.sess.Reconnect(ctx); err != nil {
		w.stale.Store(true)
		return err
	}
	w.stale.Store(false)
	return nil
}

func (w *worker) getStats() WorkerStats {
	return WorkerStats{
		Name:      w.name,
		Role:      w.role.String(),
		Connected: w.sess.Connected(),
		Busy:      w.busy.Load(),
		Queued:    w.stats.queued.Load(),
		Executed:  w.stats.executed.Load(),
		Failed:    w.stats.failed.Load(),
		Handles:   w.sess.OpenHandles(),
		Connects:  w.sess.Connects(),
	}
}

func errShutdown() error {
	return errors.NewError(errors.ErrCodeShutdownInProgress, "volume is deactivating").
		WithComponent("volume")
}
