package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/logging"
	"github.com/sftpvol/sftpvol/pkg/types"
)

const (
	// DefaultPollTimeout bounds a single call on a non-blocking session.
	DefaultPollTimeout = 10 * time.Second
	// DefaultCallTimeout bounds a single call on a blocking session.
	DefaultCallTimeout = 60 * time.Second
)

// Options configures a Session.
type Options struct {
	// Name identifies the session in logs and metrics, e.g. "primary" or "read-1".
	Name   string
	Dialer Dialer
	// NonBlocking pipelines requests and bounds every call by PollTimeout.
	NonBlocking bool
	PollTimeout time.Duration
	// CallTimeout bounds every call on a blocking session. A call that
	// overruns it drops the connection like an expired poll.
	CallTimeout     time.Duration
	HandleCacheSize int
	Runtime         *Runtime
	Logger          *zap.Logger
	Metrics         types.MetricsCollector
}

// Session owns one SFTP connection and a cache of open remote files. Calls
// are safe for concurrent use, but callers are expected to drive a session
// from one serial queue.
type Session struct {
	name        string
	dialer      Dialer
	nonBlocking bool
	pollTimeout time.Duration
	callTimeout time.Duration
	runtime     *Runtime
	logger      *zap.Logger
	metrics     types.MetricsCollector

	mu        sync.RWMutex
	client    *sftp.Client
	transport Transport
	acquired  bool
	closed    bool

	handles *handleCache

	connects atomic.Int64
}

// New creates a disconnected session.
func New(opts Options) *Session {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Runtime == nil {
		opts.Runtime = DefaultRuntime()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("session")
	}
	if opts.Metrics == nil {
		opts.Metrics = types.NopMetrics{}
	}

	s := &Session{
		name:        opts.Name,
		dialer:      opts.Dialer,
		nonBlocking: opts.NonBlocking,
		pollTimeout: opts.PollTimeout,
		callTimeout: opts.CallTimeout,
		runtime:     opts.Runtime,
		logger:      opts.Logger.With(logging.Session(opts.Name)),
		metrics:     opts.Metrics,
	}
	s.handles = newHandleCache(opts.HandleCacheSize, func(path string) {
		s.metrics.RecordHandleEviction(s.name)
	})
	return s
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// Connected reports whether a connection is currently established. It does
// not probe the remote end.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil
}

// Connects returns how many connections were established over the life of
// the session.
func (s *Session) Connects() int64 {
	return s.connects.Load()
}

// Connect establishes the connection if there is none.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NewError(errors.ErrCodeShutdownInProgress, "session is closed").
			WithComponent("session").
			WithContext("session", s.name)
	}
	if s.client != nil {
		return nil
	}
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if !s.acquired {
		s.runtime.Acquire()
		s.acquired = true
	}

	client, transport, err := s.dialer.Dial(ctx, s.clientOptions()...)
	if err != nil {
		s.logger.Warn("connect failed", zap.Error(err))
		if errors.CodeOf(err) == "" {
			err = errors.NewError(errors.ErrCodeConnectionFailed, "failed to connect").
				WithComponent("session").
				WithContext("session", s.name).
				WithCause(err)
		}
		return err
	}

	s.client = client
	s.transport = transport
	s.connects.Add(1)
	s.logger.Debug("connected", zap.Bool("nonblocking", s.nonBlocking))
	return nil
}

// clientOptions maps the I/O mode onto pkg/sftp request pipelining.
func (s *Session) clientOptions() []sftp.ClientOption {
	return []sftp.ClientOption{
		sftp.UseConcurrentReads(s.nonBlocking),
		sftp.UseConcurrentWrites(s.nonBlocking),
	}
}

// Reconnect drops the current connection, discarding every cached handle,
// and makes exactly one connection attempt.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NewError(errors.ErrCodeShutdownInProgress, "session is closed").
			WithComponent("session").
			WithContext("session", s.name)
	}
	s.disconnectLocked()
	return s.connectLocked(ctx)
}

// Disconnect drops the connection but leaves the session reusable.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked()
}

// disconnectLocked closes the transport before the client so that requests
// stuck on the wire fail at once. Cached handles are discarded without a
// remote close since the connection that owned them is gone.
func (s *Session) disconnectLocked() {
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = nil
	s.transport = nil
	s.handles.discardAll()
}

// Close tears the session down for good and releases its runtime reference.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.disconnectLocked()
	if s.acquired {
		s.runtime.Release()
		s.acquired = false
	}
	s.logger.Debug("closed")
	return nil
}

func (s *Session) currentClient() (*sftp.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errNotConnected
	}
	return s.client, nil
}

// limit returns the bound on a single call for the session's I/O mode.
func (s *Session) limit() time.Duration {
	if s.nonBlocking {
		return s.pollTimeout
	}
	return s.callTimeout
}

// call runs fn against the live client, bounded by the poll timeout on a
// non-blocking session and by the call timeout otherwise.
func (s *Session) call(ctx context.Context, fn func(c *sftp.Client) error) error {
	return s.callWithin(ctx, s.limit(), fn)
}

// callWithin runs fn and tears the transport down when it has not returned
// after timeout, so the stalled request cannot wedge later calls. A caller
// whose context ends still waits for fn: the connection carries one call at
// a time and the next one must not overlap it.
func (s *Session) callWithin(ctx context.Context, timeout time.Duration, fn func(c *sftp.Client) error) error {
	c, err := s.currentClient()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn(c) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		s.expire(c, timeout)
		return errPollTimeout
	case <-ctx.Done():
	}

	select {
	case <-done:
	case <-timer.C:
		s.expire(c, timeout)
	}
	return ctx.Err()
}

func (s *Session) expire(c *sftp.Client, timeout time.Duration) {
	s.logger.Warn("call exceeded its timeout, dropping connection",
		zap.Duration("timeout", timeout),
		zap.Bool("nonblocking", s.nonBlocking))
	s.dropIfCurrent(c)
}

// dropIfCurrent disconnects only if c is still the live client.
func (s *Session) dropIfCurrent(c *sftp.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == c {
		s.disconnectLocked()
	}
}
