package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/logging"
	"github.com/sftpvol/sftpvol/pkg/types"
)

// Collector implements types.MetricsCollector on a private Prometheus
// registry and keeps a per-operation summary for the status API.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheCounter      *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec
	admissionWait     *prometheus.HistogramVec
	reconnectCounter  *prometheus.CounterVec
	evictionCounter   *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
	inflight          prometheus.Gauge

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

var _ types.MetricsCollector = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// connectionStates are the values SetConnectionState may report.
var connectionStates = []string{"connected", "suspect", "reconnecting"}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Address:   "localhost:9464",
			Path:      "/metrics",
			Namespace: "sftpvol",
			Labels:    make(map[string]string),
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// Registry exposes the underlying registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start serves the metrics endpoint on the configured address. It returns
// immediately; use Stop to shut the listener down.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())

	c.server = &http.Server{
		Addr:              c.config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Named("metrics").Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())

	if size > 0 {
		c.operationSize.With(prometheus.Labels{
			"operation": operation,
		}).Observe(float64(size))
	}
}

// RecordCacheHit records a cache hit in namespace ("attr" or "dir")
func (c *Collector) RecordCacheHit(namespace string) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"type": "hit", "namespace": namespace}).Inc()
}

// RecordCacheMiss records a cache miss in namespace
func (c *Collector) RecordCacheMiss(namespace string) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"type": "miss", "namespace": namespace}).Inc()
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

// RecordAdmissionWait records how long an operation queued for a slot
func (c *Collector) RecordAdmissionWait(wait time.Duration, admitted bool) {
	if !c.config.Enabled {
		return
	}
	result := "admitted"
	if !admitted {
		result = "rejected"
	}
	c.admissionWait.With(prometheus.Labels{"result": result}).Observe(wait.Seconds())
}

// RecordReconnect counts a transition into reconnecting
func (c *Collector) RecordReconnect(reason string) {
	if !c.config.Enabled {
		return
	}
	c.reconnectCounter.With(prometheus.Labels{"reason": reason}).Inc()
}

// RecordHandleEviction counts a handle closed by the per-session LRU
func (c *Collector) RecordHandleEviction(sessionName string) {
	if !c.config.Enabled {
		return
	}
	c.evictionCounter.With(prometheus.Labels{"session": sessionName}).Inc()
}

// SetConnectionState sets the state gauge: 1 for state, 0 for the others
func (c *Collector) SetConnectionState(state string) {
	if !c.config.Enabled {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.connectionState.With(prometheus.Labels{"state": s}).Set(v)
	}
}

// SetInflight reports the number of admitted operations
func (c *Collector) SetInflight(n int) {
	if !c.config.Enabled {
		return
	}
	c.inflight.Set(float64(n))
}

// GetMetrics returns current metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		operations[k] = &cp
	}

	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics resets the operation summary. Prometheus series are kept.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}
	histogram := func(name, help string, buckets []float64) prometheus.HistogramOpts {
		o := opts(name, help)
		return prometheus.HistogramOpts{
			Namespace:   o.Namespace,
			Subsystem:   o.Subsystem,
			Name:        o.Name,
			Help:        o.Help,
			ConstLabels: o.ConstLabels,
			Buckets:     buckets,
		}
	}

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("operations_total", "Total number of filesystem operations")),
		[]string{"operation", "status"},
	)
	c.operationDuration = prometheus.NewHistogramVec(
		histogram("operation_duration_seconds", "Duration of filesystem operations in seconds",
			prometheus.ExponentialBuckets(0.001, 2, 15)), // 1ms to ~32s
		[]string{"operation"},
	)
	c.operationSize = prometheus.NewHistogramVec(
		histogram("operation_size_bytes", "Bytes moved by read and write operations",
			prometheus.ExponentialBuckets(512, 2, 16)),
		[]string{"operation"},
	)
	c.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("cache_requests_total", "Metadata cache lookups")),
		[]string{"type", "namespace"},
	)
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("errors_total", "Failed operations by error class")),
		[]string{"operation", "type"},
	)
	c.admissionWait = prometheus.NewHistogramVec(
		histogram("admission_wait_seconds", "Time spent waiting for an admission slot",
			prometheus.ExponentialBuckets(0.0001, 4, 10)),
		[]string{"result"},
	)
	c.reconnectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("reconnects_total", "Transitions into the reconnecting state")),
		[]string{"reason"},
	)
	c.evictionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("handle_evictions_total", "Remote file handles closed by the handle cache")),
		[]string{"session"},
	)
	c.connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts(opts("connection_state", "1 for the current connection state")),
		[]string{"state"},
	)
	c.inflight = prometheus.NewGauge(
		prometheus.GaugeOpts(opts("inflight_operations", "Admitted operations currently running")),
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheCounter,
		c.errorCounter,
		c.admissionWait,
		c.reconnectCounter,
		c.evictionCounter,
		c.connectionState,
		c.inflight,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// classifyError buckets an error by its code
func classifyError(err error) string {
	switch {
	case session.IsConnectionError(err):
		return "connection"
	case errors.HasCode(err, errors.ErrCodeOperationTimeout), errors.HasCode(err, errors.ErrCodeNotConnected):
		return "timeout"
	case errors.HasCode(err, errors.ErrCodeWorkerBusy):
		return "busy"
	}
	if status, ok := errors.SFTPStatusOf(err); ok {
		switch status {
		case errors.StatusNoSuchFile, errors.StatusNoSuchPath:
			return "not_found"
		case errors.StatusPermissionDenied:
			return "permission"
		}
		return "remote"
	}
	return "other"
}
