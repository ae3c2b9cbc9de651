// Package recovery implements the per-volume health monitor: a three-state
// machine that probes the server, tolerates transient probe failures while the
// volume is busy, and drives reconnection with capped exponential backoff.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/events"
	"github.com/sftpvol/sftpvol/pkg/logging"
	"github.com/sftpvol/sftpvol/pkg/retry"
	"github.com/sftpvol/sftpvol/pkg/types"
)

// State represents the health of a volume's connection
type State int

const (
	// StateReconnecting means the volume is unavailable and reconnect
	// attempts are scheduled. It is the initial state.
	StateReconnecting State = iota

	// StateSuspect means at least one probe failed but the failure
	// threshold has not been reached. I/O continues.
	StateSuspect

	// StateConnected means the last probe succeeded
	StateConnected
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateReconnecting:
		return "reconnecting"
	case StateSuspect:
		return "suspect"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Target is the volume as seen by its monitor.
type Target interface {
	// Keepalive sends a best-effort transport keepalive without waiting.
	Keepalive()

	// Probe performs a cheap round trip and returns its error.
	Probe(ctx context.Context) error

	// Reconnect re-establishes every session of the volume.
	Reconnect(ctx context.Context) error

	// Inflight reports the number of admitted operations.
	Inflight() int

	// LastSuccess reports when a data-path operation last succeeded.
	LastSuccess() time.Time
}

// Config configures a Monitor
type Config struct {
	// Interval between probes while connected or suspect
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// FailureThreshold is the number of counted probe failures that
	// triggers reconnection
	FailureThreshold int

	// BusyThreshold suppresses failure counting while at least this many
	// operations are in flight
	BusyThreshold int

	// Grace suppresses failure counting when an operation succeeded this
	// recently
	Grace time.Duration

	// BackoffBase and BackoffMax bound the delay between failed
	// reconnect attempts
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// ReconnectTimeout bounds a single reconnect attempt
	ReconnectTimeout time.Duration

	MountID string
	Volume  string

	Publisher events.Publisher
	Metrics   types.MetricsCollector
	Logger    *zap.Logger
}

// DefaultConfig returns the standard-profile monitor settings
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 3,
		BusyThreshold:    4,
		Grace:            10 * time.Second,
		BackoffBase:      time.Second,
		BackoffMax:       16 * time.Second,
		ReconnectTimeout: 30 * time.Second,
	}
}

// Stats is a snapshot of the monitor
type Stats struct {
	State             string    `json:"state"`
	Failures          int       `json:"failures"`
	Suppressed        uint64    `json:"suppressed"`
	Probes            uint64    `json:"probes"`
	ReconnectAttempts uint64    `json:"reconnect_attempts"`
	Reconnects        uint64    `json:"reconnects"`
	LastReason        string    `json:"last_reason,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	LastProbe         time.Time `json:"last_probe,omitempty"`
	NextDelay         string    `json:"next_delay,omitempty"`
}

// Monitor owns the connection state of one volume
type Monitor struct {
	config  Config
	target  Target
	backoff *retry.Backoff
	logger  *zap.Logger

	mu         sync.RWMutex
	state      State
	ready      chan struct{}
	failures   int
	lastReason string
	lastError  error
	lastProbe  time.Time
	nextDelay  time.Duration

	probes     atomic.Uint64
	suppressed atomic.Uint64
	attempts   atomic.Uint64
	reconnects atomic.Uint64

	wake       chan struct{}
	shutdownCh chan struct{}
	shutdownWg sync.WaitGroup
	started    atomic.Bool
	shutdown   atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a monitor in the reconnecting state. Nothing runs until Start.
func New(config Config, target Target) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.BusyThreshold <= 0 {
		config.BusyThreshold = def.BusyThreshold
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = def.BackoffMax
	}
	if config.ReconnectTimeout <= 0 {
		config.ReconnectTimeout = def.ReconnectTimeout
	}
	if config.Metrics == nil {
		config.Metrics = types.NopMetrics{}
	}
	// A supplied logger already carries the volume identity.
	logger := config.Logger
	if logger == nil {
		logger = logging.Named("monitor").With(
			zap.String("volume", config.Volume),
			zap.String("mount_id", config.MountID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		ctx:        ctx,
		cancel:     cancel,
		config:     config,
		target:     target,
		backoff:    retry.NewBackoff(config.BackoffBase, config.BackoffMax),
		logger:     logger,
		state:      StateReconnecting,
		ready:      make(chan struct{}),
		wake:       make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}
}

// Start begins probing. The first probe runs immediately.
func (m *Monitor) Start() {
	if m.shutdown.Load() || !m.started.CompareAndSwap(false, true) {
		return
	}
	m.shutdownWg.Add(1)
	go m.run(m.ctx)
}

// Stop halts the loop and waits for it. A reconnect attempt in progress is
// cancelled. Waiters blocked in WaitForConnected return immediately.
func (m *Monitor) Stop() {
	if !m.shutdown.CompareAndSwap(false, true) {
		return
	}
	close(m.shutdownCh)
	m.cancel()
	m.shutdownWg.Wait()
}

// State returns the current state
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Available reports whether I/O may proceed without waiting for a reconnect.
func (m *Monitor) Available() bool {
	return m.State() != StateReconnecting
}

// Trigger moves the volume to reconnecting and wakes the loop for an
// immediate attempt. It is ignored while the volume is already reconnecting,
// which includes the window before the first probe succeeds.
func (m *Monitor) Trigger(reason string) {
	if m.shutdown.Load() || !m.enterReconnecting(reason) {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// WaitForConnected blocks until the volume is available again, the timeout
// expires, ctx is done or the monitor stops.
func (m *Monitor) WaitForConnected(ctx context.Context, timeout time.Duration) error {
	m.mu.RLock()
	ready := m.ready
	m.mu.RUnlock()

	select {
	case <-ready:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-timer.C:
		return errors.Newf(errors.ErrCodeNotConnected, "volume not reconnected within %v", timeout).
			WithComponent("monitor")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdownCh:
		return errors.NewError(errors.ErrCodeShutdownInProgress, "monitor stopped").
			WithComponent("monitor")
	}
}

// Stats returns a snapshot of the monitor
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		State:             m.state.String(),
		Failures:          m.failures,
		Suppressed:        m.suppressed.Load(),
		Probes:            m.probes.Load(),
		ReconnectAttempts: m.attempts.Load(),
		Reconnects:        m.reconnects.Load(),
		LastReason:        m.lastReason,
		LastProbe:         m.lastProbe,
	}
	if m.lastError != nil {
		s.LastError = m.lastError.Error()
	}
	if m.state == StateReconnecting && m.nextDelay > 0 {
		s.NextDelay = m.nextDelay.String()
	}
	return s
}

func (m *Monitor) run(ctx context.Context) {
	defer m.shutdownWg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	// The first tick always probes: the volume was connected on activation,
	// so there is nothing to reconnect unless the probe says otherwise.
	initial := true

	for {
		select {
		case <-m.shutdownCh:
			return
		case <-m.wake:
		case <-timer.C:
		}

		var next time.Duration
		switch {
		case m.State() == StateReconnecting && !initial:
			if m.attempt(ctx) {
				next = m.config.Interval
			} else {
				next = m.scheduleRetry()
			}
		case m.probe(ctx, initial):
			next = m.config.Interval
		}
		initial = false
		resetTimer(timer, next)
	}
}

// probe runs one health check. It returns false when the volume must
// start reconnecting.
func (m *Monitor) probe(ctx context.Context, initial bool) bool {
	m.target.Keepalive()

	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	err := m.target.Probe(probeCtx)
	cancel()
	m.probes.Add(1)

	m.mu.Lock()
	m.lastProbe = time.Now()
	prev := m.state
	if prev == StateReconnecting && !initial {
		// Triggered while the probe was in flight.
		m.mu.Unlock()
		return false
	}
	if err == nil {
		m.failures = 0
		m.lastError = nil
		m.setStateLocked(StateConnected)
		m.mu.Unlock()
		if prev == StateReconnecting {
			m.publishConnected()
		} else if prev == StateSuspect {
			m.logger.Info("Probe recovered")
		}
		return true
	}
	m.lastError = err

	if initial {
		m.lastReason = events.ReasonStartup
		m.mu.Unlock()
		m.logger.Warn("Initial probe failed", zap.Error(err))
		m.announce(events.ReasonStartup, 0)
		return false
	}

	if m.suppress() {
		m.mu.Unlock()
		m.suppressed.Add(1)
		m.logger.Debug("Probe failure suppressed",
			zap.Error(err),
			zap.Int("inflight", m.target.Inflight()))
		return true
	}

	m.failures++
	failures := m.failures
	m.setStateLocked(StateSuspect)
	m.mu.Unlock()

	m.logger.Warn("Probe failed",
		zap.Error(err),
		zap.Int("failures", failures),
		zap.Int("threshold", m.config.FailureThreshold))

	if failures < m.config.FailureThreshold {
		return true
	}
	m.enterReconnecting(events.ReasonProbeFailures)
	return false
}

// suppress reports whether a failed probe should be ignored because the
// volume is visibly doing work.
func (m *Monitor) suppress() bool {
	if m.target.Inflight() >= m.config.BusyThreshold {
		return true
	}
	last := m.target.LastSuccess()
	return !last.IsZero() && time.Since(last) < m.config.Grace
}

// enterReconnecting leaves connected or suspect. It returns false if the
// volume was already reconnecting.
func (m *Monitor) enterReconnecting(reason string) bool {
	m.mu.Lock()
	prev := m.state
	if prev == StateReconnecting {
		m.mu.Unlock()
		return false
	}
	m.setStateLocked(StateReconnecting)
	m.lastReason = reason
	m.failures = 0
	m.nextDelay = 0
	m.mu.Unlock()

	m.config.Metrics.RecordReconnect(reason)
	m.logger.Warn("Reconnecting",
		zap.String("reason", reason),
		zap.String("from", prev.String()))
	m.announce(reason, 0)
	return true
}

// attempt performs one reconnect. It returns true on success.
func (m *Monitor) attempt(ctx context.Context) bool {
	m.attempts.Add(1)

	attemptCtx, cancel := context.WithTimeout(ctx, m.config.ReconnectTimeout)
	err := m.target.Reconnect(attemptCtx)
	cancel()

	if err != nil {
		m.mu.Lock()
		m.lastError = err
		m.mu.Unlock()
		m.logger.Warn("Reconnect attempt failed",
			zap.Error(err),
			zap.Int("attempt", m.backoff.Attempts()+1))
		return false
	}

	m.backoff.Reset()
	m.reconnects.Add(1)

	m.mu.Lock()
	m.failures = 0
	m.lastError = nil
	m.nextDelay = 0
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.publishConnected()
	return true
}

func (m *Monitor) scheduleRetry() time.Duration {
	delay := m.backoff.Next()

	m.mu.Lock()
	m.nextDelay = delay
	m.mu.Unlock()

	m.logger.Info("Scheduling reconnection", zap.Duration("delay", delay))
	m.announce(events.ReasonRetry, delay)
	return delay
}

// setStateLocked updates the state and the ready channel. m.mu must be held.
func (m *Monitor) setStateLocked(s State) {
	if m.state == s {
		return
	}
	wasReady := m.state != StateReconnecting
	nowReady := s != StateReconnecting
	m.state = s

	switch {
	case nowReady && !wasReady:
		close(m.ready)
	case wasReady && !nowReady:
		m.ready = make(chan struct{})
	}
	m.config.Metrics.SetConnectionState(s.String())
}

func (m *Monitor) publishConnected() {
	m.logger.Info("Connected")
	if m.config.Publisher == nil {
		return
	}
	m.config.Publisher.Publish(events.Event{
		Type:    events.EventConnected,
		MountID: m.config.MountID,
		Volume:  m.config.Volume,
	})
}

func (m *Monitor) announce(reason string, delay time.Duration) {
	if m.config.Publisher == nil {
		return
	}
	m.config.Publisher.Publish(events.Event{
		Type:    events.EventReconnecting,
		MountID: m.config.MountID,
		Volume:  m.config.Volume,
		Reason:  reason,
		Delay:   delay,
		Attempt: m.backoff.Attempts(),
	})
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
