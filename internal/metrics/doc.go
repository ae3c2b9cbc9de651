/*
Package metrics exports volume activity to Prometheus.

Collector implements types.MetricsCollector, the interface the session,
cache, monitor and volume layers report through. Every series lives on a
private registry, so several collectors can coexist in one process (and in
tests) without clashing on the default registerer.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   "localhost:9464",
		Namespace: "sftpvol",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Series

	operations_total{operation,status}       filesystem calls by outcome
	operation_duration_seconds{operation}    latency including admission and retry
	operation_size_bytes{operation}          bytes moved by read and write
	cache_requests_total{type,namespace}     attr/dir cache hits and misses
	errors_total{operation,type}             failures by class
	admission_wait_seconds{result}           time queued for a slot
	reconnects_total{reason}                 transitions into reconnecting
	handle_evictions_total{session}          remote files closed by the LRU
	connection_state{state}                  1 for the current state
	inflight_operations                      admitted operations

Handler serves the registry and can be mounted on another mux, as the status
API does. GetMetrics returns a per-operation summary for JSON output.
*/
package metrics
