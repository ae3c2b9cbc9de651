package session

import (
	stderrors "errors"
	"io"
	"io/fs"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/sftp"

	"github.com/sftpvol/sftpvol/pkg/errors"
)

// errNotConnected is returned by primitives called before Connect or after
// the transport was torn down.
var errNotConnected = stderrors.New("session is not connected")

// errPollTimeout marks a non-blocking call that did not complete within the
// poll timeout.
var errPollTimeout = stderrors.New("sftp call timed out waiting for the transport")

// IsConnectionError reports whether err is a transport-level failure that a
// reconnect may cure. Application-level SFTP statuses such as "no such file"
// are not connection errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var ve *errors.VolumeError
	if stderrors.As(err, &ve) {
		switch ve.Code {
		case errors.ErrCodeConnectionFailed, errors.ErrCodeNotConnected:
			return true
		}
		if ve.Cause == nil {
			return false
		}
	}

	switch {
	case stderrors.Is(err, errNotConnected),
		stderrors.Is(err, errPollTimeout),
		stderrors.Is(err, sftp.ErrSSHFxConnectionLost),
		stderrors.Is(err, sftp.ErrSSHFxNoConnection),
		stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, io.ErrClosedPipe),
		stderrors.Is(err, net.ErrClosed),
		stderrors.Is(err, syscall.ECONNRESET),
		stderrors.Is(err, syscall.ECONNREFUSED),
		stderrors.Is(err, syscall.ECONNABORTED),
		stderrors.Is(err, syscall.EPIPE),
		stderrors.Is(err, syscall.ETIMEDOUT),
		stderrors.Is(err, syscall.EHOSTUNREACH),
		stderrors.Is(err, syscall.ENETUNREACH):
		return true
	}

	var status *sftp.StatusError
	if stderrors.As(err, &status) {
		return status.Code == errors.StatusNoConnection || status.Code == errors.StatusConnectionLost
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "ssh: handshake failed") ||
		strings.Contains(msg, "connection lost") ||
		strings.Contains(msg, "use of closed network connection")
}

// isAuthError reports whether a handshake failed because every offered
// credential was rejected.
func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// statusOf extracts an SFTP status code from err. pkg/sftp folds the most
// common statuses into os sentinel errors, which are mapped back here.
func statusOf(err error) (uint32, bool) {
	var status *sftp.StatusError
	if stderrors.As(err, &status) {
		return status.Code, true
	}

	if code, ok := fxCode(err); ok {
		return code, true
	}

	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		return errors.StatusNoSuchFile, true
	case stderrors.Is(err, fs.ErrPermission):
		return errors.StatusPermissionDenied, true
	case stderrors.Is(err, fs.ErrExist):
		return errors.StatusFileAlreadyExists, true
	case stderrors.Is(err, syscall.ENOTDIR):
		return errors.StatusNotADirectory, true
	case stderrors.Is(err, syscall.ENOTEMPTY):
		return errors.StatusDirNotEmpty, true
	case stderrors.Is(err, syscall.ENOSPC):
		return errors.StatusNoSpaceOnFilesystem, true
	case stderrors.Is(err, syscall.EDQUOT):
		return errors.StatusQuotaExceeded, true
	case stderrors.Is(err, syscall.ELOOP):
		return errors.StatusLinkLoop, true
	}
	return 0, false
}

// fxSentinels pairs the typed status errors exported by pkg/sftp with their
// wire codes.
var fxSentinels = []struct {
	err  error
	code uint32
}{
	{sftp.ErrSSHFxEOF, errors.StatusEOF},
	{sftp.ErrSSHFxNoSuchFile, errors.StatusNoSuchFile},
	{sftp.ErrSSHFxPermissionDenied, errors.StatusPermissionDenied},
	{sftp.ErrSSHFxFailure, errors.StatusFailure},
	{sftp.ErrSSHFxBadMessage, errors.StatusBadMessage},
	{sftp.ErrSSHFxNoConnection, errors.StatusNoConnection},
	{sftp.ErrSSHFxConnectionLost, errors.StatusConnectionLost},
	{sftp.ErrSSHFxOpUnsupported, errors.StatusOpUnsupported},
}

func fxCode(err error) (uint32, bool) {
	for _, s := range fxSentinels {
		if stderrors.Is(err, s.err) {
			return s.code, true
		}
	}
	return 0, false
}

// wrap converts a raw transport or protocol error into a VolumeError.
func (s *Session) wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ve *errors.VolumeError
	if stderrors.As(err, &ve) {
		return err
	}

	if IsConnectionError(err) {
		return errors.NewError(errors.ErrCodeConnectionFailed, "transport failure").
			WithComponent("session").
			WithOperation(op).
			WithPath(path).
			WithContext("session", s.name).
			WithCause(err)
	}

	e := errors.NewError(errors.ErrCodeSFTP, "remote operation failed").
		WithComponent("session").
		WithOperation(op).
		WithPath(path).
		WithContext("session", s.name).
		WithCause(err)
	if code, ok := statusOf(err); ok {
		e = e.WithSFTPStatus(code)
	}
	return e
}

// isUnsupported reports whether the server rejected an extension request.
func isUnsupported(err error) bool {
	if stderrors.Is(err, sftp.ErrSSHFxOpUnsupported) {
		return true
	}
	var status *sftp.StatusError
	if stderrors.As(err, &status) {
		return status.Code == errors.StatusOpUnsupported
	}
	return false
}
