package volume

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/types"
)

// admission bounds the number of operations in flight on a volume
type admission struct {
	sem      *semaphore.Weighted
	capacity int64
	timeout  time.Duration
	metrics  types.MetricsCollector

	inflight atomic.Int64
	admitted atomic.Uint64
	rejected atomic.Uint64
	waitNs   atomic.Int64
}

func newAdmission(capacity int, timeout time.Duration, metrics types.MetricsCollector) *admission {
	if capacity <= 0 {
		capacity = 1
	}
	return &admission{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		timeout:  timeout,
		metrics:  metrics,
	}
}

// acquire waits for a slot for at most the queue timeout. The returned
// release must be called exactly once.
func (a *admission) acquire(ctx context.Context, op string) (func(), error) {
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, a.timeout)
	err := a.sem.Acquire(waitCtx, 1)
	cancel()

	wait := time.Since(start)
	a.metrics.RecordAdmissionWait(wait, err == nil)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !stderrors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		a.rejected.Add(1)
		return nil, errors.Newf(errors.ErrCodeWorkerBusy, "no worker slot within %v", a.timeout).
			WithComponent("volume").
			WithOperation(op)
	}

	a.admitted.Add(1)
	a.waitNs.Add(int64(wait))
	a.metrics.SetInflight(int(a.inflight.Add(1)))

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			a.metrics.SetInflight(int(a.inflight.Add(-1)))
			a.sem.Release(1)
		}
	}, nil
}

func (a *admission) current() int {
	return int(a.inflight.Load())
}

// AdmissionStats summarises admission control
type AdmissionStats struct {
	Capacity int64         `json:"capacity"`
	Inflight int64         `json:"inflight"`
	Admitted uint64        `json:"admitted"`
	Rejected uint64        `json:"rejected"`
	AvgWait  time.Duration `json:"avg_wait"`
}

func (a *admission) stats() AdmissionStats {
	s := AdmissionStats{
		Capacity: a.capacity,
		Inflight: a.inflight.Load(),
		Admitted: a.admitted.Load(),
		Rejected: a.rejected.Load(),
	}
	if s.Admitted > 0 {
		s.AvgWait = time.Duration(a.waitNs.Load() / int64(s.Admitted))
	}
	return s
}
