package types

import "time"

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(namespace string)
	RecordCacheMiss(namespace string)
	RecordError(operation string, err error)
	RecordAdmissionWait(wait time.Duration, admitted bool)
	RecordReconnect(reason string)
	RecordHandleEviction(session string)
	SetConnectionState(state string)
	SetInflight(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (NopMetrics) RecordCacheHit(string)                              {}
func (NopMetrics) RecordCacheMiss(string)                             {}
func (NopMetrics) RecordError(string, error)                          {}
func (NopMetrics) RecordAdmissionWait(time.Duration, bool)            {}
func (NopMetrics) RecordReconnect(string)                             {}
func (NopMetrics) RecordHandleEviction(string)                        {}
func (NopMetrics) SetConnectionState(string)                          {}
func (NopMetrics) SetInflight(int)                                    {}
