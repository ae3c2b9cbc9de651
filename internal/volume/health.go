package volume

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sftpvol/sftpvol/pkg/recovery"
)

// healthTarget is the volume as seen by its monitor. Probes go through the
// dedicated probe session so a saturated worker never delays them.
type healthTarget struct {
	v *Volume
}

var _ recovery.Target = (*healthTarget)(nil)

func (h *healthTarget) Keepalive() {
	if err := h.v.probe.SendKeepalive(); err != nil {
		h.v.logger.Debug("Keepalive skipped", zap.Error(err))
	}
}

// Probe re-dials a probe session dropped by an earlier timeout before the
// round trip, both within the health timeout.
func (h *healthTarget) Probe(ctx context.Context) error {
	v := h.v
	if !v.probe.Connected() {
		cctx, cancel := context.WithTimeout(ctx, v.healthTimeout)
		err := v.probe.Connect(cctx)
		cancel()
		if err != nil {
			return err
		}
	}
	return v.probe.Probe(ctx, v.healthTimeout)
}

// Reconnect re-establishes the probe session and then every idle worker in
// parallel. A busy worker has its transport torn down, which fails the
// stalled call, and reconnects before its next task. The metadata
// cache is emptied because the remote may have changed during the outage.
func (h *healthTarget) Reconnect(ctx context.Context) error {
	v := h.v
	start := time.Now()

	if err := v.probe.Reconnect(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range v.allWorkers() {
		w := w
		g.Go(func() error { return w.reconnect(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	v.cache.InvalidateAll()
	v.logger.Info("Sessions reconnected", zap.Duration("took", time.Since(start)))
	return nil
}

func (h *healthTarget) Inflight() int {
	return h.v.admission.current()
}

func (h *healthTarget) LastSuccess() time.Time {
	ns := h.v.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
