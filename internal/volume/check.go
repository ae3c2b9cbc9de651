package volume

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/logging"
)

// CheckResult describes a reachable remote root
type CheckResult struct {
	Root    string        `json:"root"`
	Latency time.Duration `json:"latency"`
}

// CheckConnection dials once through d, resolves root and verifies that it
// is a directory. No volume is loaded and the session is closed before
// returning.
func CheckConnection(ctx context.Context, d session.Dialer, root string, logger *zap.Logger) (CheckResult, error) {
	if logger == nil {
		logger = logging.Named("volume")
	}
	s := session.New(session.Options{
		Name:    "check",
		Dialer:  d,
		Logger:  logger.Named("session"),
		Runtime: session.DefaultRuntime(),
	})
	defer func() { _ = s.Close() }()

	start := time.Now()
	if err := s.Connect(ctx); err != nil {
		return CheckResult{}, err
	}
	resolved, err := s.ResolvePath(ctx, root)
	if err != nil {
		return CheckResult{}, err
	}
	attr, err := s.Lstat(ctx, resolved)
	if err != nil {
		return CheckResult{}, err
	}
	if !attr.IsDir() {
		return CheckResult{}, errors.Newf(errors.ErrCodeSFTP, "%s is not a directory", resolved).
			WithComponent("volume").
			WithPath(resolved).
			WithSFTPStatus(errors.StatusNotADirectory)
	}

	res := CheckResult{Root: resolved, Latency: time.Since(start)}
	logger.Info("Connection check passed",
		zap.String("root", resolved),
		zap.Duration("latency", res.Latency))
	return res, nil
}
