package volume

import (
	"context"
	stderrors "errors"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/events"
	"github.com/sftpvol/sftpvol/pkg/retry"
)

type sessionFunc func(ctx context.Context, s *session.Session) error

// reader picks the next read worker round-robin
func (v *Volume) reader() *worker {
	n := uint64(len(v.readers))
	return v.readers[(v.rr.Add(1)-1)%n]
}

// writer picks the write worker owning p. The choice is stable so every
// write to one path runs through a single FIFO.
func (v *Volume) writer(p string) *worker {
	h := fnv.New32a()
	_, _ = h.Write([]byte(p))
	return v.writers[h.Sum32()%uint32(len(v.writers))]
}

// execute admits op, runs fn on w and retries once after a reconnect when
// the failure is transport-level.
func (v *Volume) execute(ctx context.Context, op string, w *worker, fn sessionFunc) error {
	if err := v.active(); err != nil {
		return err
	}

	release, err := v.admission.acquire(ctx, op)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeWorkerBusy) {
			v.logger.Warn("Admission timed out", zap.String("op", op))
			v.monitor.Trigger(events.ReasonWorkerExhausted)
		}
		v.metrics.RecordError(op, err)
		return err
	}
	defer release()

	start := time.Now()
	err = v.retryer.Do(ctx, func(ctx context.Context) error {
		if !v.monitor.Available() {
			if err := v.monitor.WaitForConnected(ctx, v.reconnectWait); err != nil {
				return v.timeout(op, err)
			}
		}
		return w.submit(ctx, fn)
	})
	elapsed := time.Since(start)
	v.metrics.RecordOperation(op, elapsed, 0, err == nil)

	if err == nil {
		v.lastSuccess.Store(time.Now().UnixNano())
		v.logger.Debug("Operation complete",
			zap.String("op", op),
			zap.String("worker", w.name),
			zap.Duration("took", elapsed))
		return nil
	}

	if stderrors.Is(err, retry.ErrExhausted) {
		v.monitor.Trigger(events.ReasonTransportError)
		err = v.timeout(op, err)
	}
	v.metrics.RecordError(op, err)
	v.logger.Debug("Operation failed",
		zap.String("op", op),
		zap.String("worker", w.name),
		zap.Error(err))
	return err
}

// beforeRetry runs between the failed attempt and its single retry.
func (v *Volume) beforeRetry(ctx context.Context, attempt int, err error) error {
	v.logger.Warn("Transport failure, reconnecting before retry", zap.Error(err))
	v.monitor.Trigger(events.ReasonTransportError)
	if werr := v.monitor.WaitForConnected(ctx, v.reconnectWait); werr != nil {
		return v.timeout("retry", werr)
	}
	return nil
}

// timeout reports an operation the connection did not recover in time for.
func (v *Volume) timeout(op string, cause error) error {
	if errors.HasCode(cause, errors.ErrCodeShutdownInProgress) ||
		stderrors.Is(cause, context.Canceled) {
		return cause
	}
	return errors.NewError(errors.ErrCodeOperationTimeout, "connection did not recover").
		WithComponent("volume").
		WithOperation(op).
		WithCause(cause)
}
