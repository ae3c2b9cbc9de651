package volume

import (
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sftpvol/sftpvol/internal/cache"
	"github.com/sftpvol/sftpvol/internal/config"
	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/internal/tracker"
	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/events"
	"github.com/sftpvol/sftpvol/pkg/logging"
	"github.com/sftpvol/sftpvol/pkg/recovery"
	"github.com/sftpvol/sftpvol/pkg/retry"
	"github.com/sftpvol/sftpvol/pkg/types"
)

// Deps are the collaborators of a volume. Only Dialer or Connection is
// required; everything else has a default.
type Deps struct {
	// Name labels the volume in logs, notifications and status output.
	Name string

	// Dialer opens sessions. When nil an SSHDialer is built from the
	// connection parameters and Connection.
	Dialer     session.Dialer
	Connection config.ConnectionConfig
	Runtime    *session.Runtime

	// Events receives state notifications. A private broadcaster is
	// created when nil and closed with the volume; a shared one is left open.
	Events  *events.Broadcaster
	Metrics types.MetricsCollector
	Logger  *zap.Logger

	// MaxCacheEntries bounds each cache namespace.
	MaxCacheEntries int

	Tuning Tuning
}

// Tuning overrides timings derived from the mount options. Zero fields keep
// the derived value.
type Tuning struct {
	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	ReconnectWait     time.Duration
	BackoffBase       time.Duration
	AdmissionCapacity int
}

type lifecycle int

const (
	lifecycleLoaded lifecycle = iota
	lifecycleActive
	lifecycleDeactivated
)

// Volume exposes one remote directory as a filesystem
type Volume struct {
	id        string
	name      string
	rootSpec  string
	opts      config.MountOptions
	logger    *zap.Logger
	metrics   types.MetricsCollector
	events    *events.Broadcaster
	ownEvents bool

	reconnectWait time.Duration
	healthTimeout time.Duration

	primary *worker
	readers []*worker
	writers []*worker
	probe   *session.Session
	rr      atomic.Uint64

	admission *admission
	monitor   *recovery.Monitor
	retryer   *retry.Retryer
	cache     *cache.MetadataCache
	items     *tracker.Tracker

	lastSuccess atomic.Int64

	mu    sync.RWMutex
	state lifecycle
	root  string

	listMu   sync.Mutex
	listings map[tracker.Handle][]types.DirEntry
}

// New loads a volume for the remote directory root. Nothing is dialled
// until Activate.
func New(params session.Params, root string, opts config.MountOptions, deps Deps) (*Volume, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = types.NopMetrics{}
	}
	ownEvents := deps.Events == nil
	if ownEvents {
		deps.Events = events.NewBroadcaster()
	}
	if deps.Runtime == nil {
		deps.Runtime = session.DefaultRuntime()
	}
	if deps.Name == "" {
		deps.Name = params.Host
	}
	if deps.MaxCacheEntries <= 0 {
		deps.MaxCacheEntries = config.NewDefault().Cache.MaxEntries
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Named("volume")
	}
	if params.Password == "" {
		params.Password = opts.AuthPassword
	}
	if deps.Dialer == nil {
		if params.Host == "" {
			return nil, errors.NewError(errors.ErrCodeInvalidFormat, "host is required").
				WithComponent("volume")
		}
		conn := deps.Connection
		deps.Dialer = &session.SSHDialer{
			Params:                params,
			ConnectTimeout:        conn.ConnectTimeout,
			TCPKeepAlive:          conn.TCPKeepAlive,
			KnownHostsFile:        conn.KnownHostsFile,
			InsecureIgnoreHostKey: conn.InsecureIgnoreHostKey,
			UseAgent:              conn.UseAgent,
			Runtime:               deps.Runtime,
			Logger:                logger.Named("dial"),
		}
	}

	id := uuid.NewString()
	logger = logger.With(zap.String("volume", deps.Name), zap.String("mount_id", id))

	v := &Volume{
		id:            id,
		name:          deps.Name,
		rootSpec:      root,
		opts:          opts,
		logger:        logger,
		metrics:       deps.Metrics,
		events:        deps.Events,
		ownEvents:     ownEvents,
		reconnectWait: opts.ReconnectWait(),
		healthTimeout: opts.HealthTimeout(),
		items:         tracker.New(),
		listings:      make(map[tracker.Handle][]types.DirEntry),
	}
	if deps.Tuning.ReconnectWait > 0 {
		v.reconnectWait = deps.Tuning.ReconnectWait
	}
	if deps.Tuning.HealthTimeout > 0 {
		v.healthTimeout = deps.Tuning.HealthTimeout
	}

	v.cache = cache.New(cache.Config{
		AttrTTL:    opts.AttrTTL(),
		DirTTL:     opts.DirTTL(),
		MaxEntries: deps.MaxCacheEntries,
	}, deps.Metrics)

	capacity := opts.AdmissionCapacity()
	if deps.Tuning.AdmissionCapacity > 0 {
		capacity = deps.Tuning.AdmissionCapacity
	}
	v.admission = newAdmission(capacity, opts.QueueTimeout(), deps.Metrics)

	newSession := func(name string) *session.Session {
		return session.New(session.Options{
			Name:            name,
			Dialer:          deps.Dialer,
			NonBlocking:     opts.IOMode == config.IOModeNonBlocking,
			PollTimeout:     deps.Connection.PollTimeout,
			CallTimeout:     v.reconnectWait,
			HandleCacheSize: deps.Connection.HandleCacheSize,
			Runtime:         deps.Runtime,
			Logger:          logger.Named("session"),
			Metrics:         deps.Metrics,
		})
	}

	v.primary = newWorker("primary", RolePrimary, newSession("primary"), 0, logger)
	for i := 1; i <= opts.ReadWorkers; i++ {
		name := fmt.Sprintf("read-%d", i)
		v.readers = append(v.readers, newWorker(name, RoleRead, newSession(name), 0, logger))
	}
	for i := 1; i <= opts.WriteWorkers; i++ {
		name := fmt.Sprintf("write-%d", i)
		v.writers = append(v.writers, newWorker(name, RoleWrite, newSession(name), 0, logger))
	}
	v.probe = newSession("probe")

	interval := opts.HealthInterval()
	if deps.Tuning.HealthInterval > 0 {
		interval = deps.Tuning.HealthInterval
	}
	v.monitor = recovery.New(recovery.Config{
		Interval:         interval,
		Timeout:          v.healthTimeout,
		FailureThreshold: opts.HealthFailures,
		BusyThreshold:    opts.BusyThreshold,
		Grace:            opts.Grace(),
		BackoffBase:      deps.Tuning.BackoffBase,
		MountID:          id,
		Volume:           deps.Name,
		Publisher:        deps.Events,
		Metrics:          deps.Metrics,
		Logger:           logger.Named("monitor"),
	}, &healthTarget{v: v})

	v.retryer = retry.New(retry.Config{
		MaxAttempts: 2,
		Retryable:   session.IsConnectionError,
		BeforeRetry: v.beforeRetry,
	})

	return v, nil
}

// ID returns the mount instance identifier
func (v *Volume) ID() string {
	return v.id
}

// Name returns the volume label
func (v *Volume) Name() string {
	return v.name
}

// Options returns the mount options the volume was loaded with
func (v *Volume) Options() config.MountOptions {
	return v.opts
}

// Root returns the resolved remote root. It is empty before Activate.
func (v *Volume) Root() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.root
}

// Activate connects every session, resolves the remote root and starts the
// health monitor. It returns the root handle.
func (v *Volume) Activate(ctx context.Context) (tracker.Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case lifecycleActive:
		return 0, errors.NewError(errors.ErrCodeInvalidState, "volume is already active").
			WithComponent("volume")
	case lifecycleDeactivated:
		return 0, errors.NewError(errors.ErrCodeInvalidState, "volume was deactivated").
			WithComponent("volume")
	}

	v.logger.Info("Activating volume", zap.String("root", v.rootSpec))

	if err := v.primary.sess.Connect(ctx); err != nil {
		v.disconnectSessions()
		return 0, err
	}

	root, err := v.primary.sess.ResolvePath(ctx, v.rootSpec)
	if err != nil {
		v.disconnectSessions()
		return 0, err
	}
	attr, err := v.primary.sess.Lstat(ctx, root)
	if err != nil {
		v.disconnectSessions()
		return 0, err
	}
	if !attr.IsDir() {
		v.disconnectSessions()
		return 0, errors.Newf(errors.ErrCodeSFTP, "%s is not a directory", root).
			WithComponent("volume").
			WithPath(root).
			WithSFTPStatus(errors.StatusNotADirectory)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.probe.Connect(gctx) })
	for _, w := range v.ioWorkers() {
		w := w
		g.Go(func() error { return w.sess.Connect(gctx) })
	}
	if err := g.Wait(); err != nil {
		v.disconnectSessions()
		return 0, err
	}

	for _, w := range v.allWorkers() {
		w.start()
	}

	v.root = root
	item := v.items.TrackRoot(root)
	v.cache.PutAttr(root, attr)
	v.state = lifecycleActive
	v.monitor.Start()

	v.logger.Info("Volume active",
		zap.String("root", root),
		zap.Int("read_workers", len(v.readers)),
		zap.Int("write_workers", len(v.writers)),
		zap.String("profile", string(v.opts.Profile)))
	return item.Handle, nil
}

// Deactivate stops the monitor and every worker and closes all sessions.
// Operations still queued or in flight fail with SHUTDOWN_IN_PROGRESS.
func (v *Volume) Deactivate(ctx context.Context) error {
	v.mu.Lock()
	if v.state != lifecycleActive {
		v.mu.Unlock()
		return nil
	}
	v.state = lifecycleDeactivated
	v.mu.Unlock()

	v.logger.Info("Deactivating volume")
	v.monitor.Stop()

	workers := v.allWorkers()
	for _, w := range workers {
		w.halt()
	}
	// Calls still on the wire fail once their transport is gone.
	v.disconnectSessions()
	for _, w := range workers {
		w.wait()
	}
	v.closeSessions()
	v.cache.InvalidateAll()

	v.listMu.Lock()
	v.listings = make(map[tracker.Handle][]types.DirEntry)
	v.listMu.Unlock()
	return nil
}

// Close unloads the volume, deactivating it first when needed. A closed
// volume cannot be activated again.
func (v *Volume) Close() error {
	err := v.Deactivate(context.Background())
	v.mu.Lock()
	v.state = lifecycleDeactivated
	v.mu.Unlock()
	v.monitor.Stop()
	v.closeSessions()
	if v.ownEvents {
		v.events.Close()
	}
	return err
}

// State returns the health state reported to callers
func (v *Volume) State() recovery.State {
	return v.monitor.State()
}

// Subscribe returns a channel of state notifications. Release it with
// Unsubscribe.
func (v *Volume) Subscribe() chan events.Event {
	return v.events.Subscribe()
}

// Unsubscribe releases a channel returned by Subscribe
func (v *Volume) Unsubscribe(ch chan events.Event) {
	v.events.Unsubscribe(ch)
}

// Stats is a snapshot of the volume
type Stats struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Root      string         `json:"root"`
	Profile   string         `json:"profile"`
	Active    bool           `json:"active"`
	Tracked   int            `json:"tracked_items"`
	Monitor   recovery.Stats `json:"monitor"`
	Admission AdmissionStats `json:"admission"`
	Cache     cache.Stats    `json:"cache"`
	Workers   []WorkerStats  `json:"workers"`
}

// Stats returns a snapshot of the volume
func (v *Volume) Stats() Stats {
	v.mu.RLock()
	active := v.state == lifecycleActive
	root := v.root
	v.mu.RUnlock()

	s := Stats{
		ID:        v.id,
		Name:      v.name,
		Root:      root,
		Profile:   string(v.opts.Profile),
		Active:    active,
		Tracked:   v.items.Len(),
		Monitor:   v.monitor.Stats(),
		Admission: v.admission.stats(),
		Cache:     v.cache.Stats(),
	}
	for _, w := range v.allWorkers() {
		s.Workers = append(s.Workers, w.getStats())
	}
	return s
}

func (v *Volume) active() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	switch v.state {
	case lifecycleActive:
		return nil
	case lifecycleDeactivated:
		return errShutdown()
	default:
		return errors.NewError(errors.ErrCodeInvalidState, "volume is not active").
			WithComponent("volume")
	}
}

func (v *Volume) allWorkers() []*worker {
	return append([]*worker{v.primary}, v.ioWorkers()...)
}

func (v *Volume) ioWorkers() []*worker {
	ws := make([]*worker, 0, len(v.readers)+len(v.writers))
	ws = append(ws, v.readers...)
	return append(ws, v.writers...)
}

// disconnectSessions undoes a failed activation and leaves the volume
// loaded so Activate may be retried.
func (v *Volume) disconnectSessions() {
	for _, w := range v.allWorkers() {
		w.sess.Disconnect()
	}
	v.probe.Disconnect()
}

func (v *Volume) closeSessions() {
	for _, w := range v.allWorkers() {
		_ = w.sess.Close()
	}
	_ = v.probe.Close()
}

// childPath joins a validated name onto the path of a tracked directory.
func childPath(dir, name string) string {
	return path.Join(dir, name)
}
