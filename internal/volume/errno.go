package volume

import (
	"context"
	stderrors "errors"
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sftpvol/sftpvol/pkg/errors"
)

var statusErrno = map[uint32]syscall.Errno{
	errors.StatusEOF:                 unix.EIO,
	errors.StatusNoSuchFile:          unix.ENOENT,
	errors.StatusPermissionDenied:    unix.EACCES,
	errors.StatusFailure:             unix.EIO,
	errors.StatusBadMessage:          unix.EBADMSG,
	errors.StatusNoConnection:        unix.ENOTCONN,
	errors.StatusConnectionLost:      unix.ENOTCONN,
	errors.StatusOpUnsupported:       unix.ENOTSUP,
	errors.StatusInvalidHandle:       unix.EBADF,
	errors.StatusNoSuchPath:          unix.ENOENT,
	errors.StatusFileAlreadyExists:   unix.EEXIST,
	errors.StatusWriteProtect:        unix.EROFS,
	errors.StatusNoMedia:             unix.ENODEV,
	errors.StatusNoSpaceOnFilesystem: unix.ENOSPC,
	errors.StatusQuotaExceeded:       unix.EDQUOT,
	errors.StatusUnknownPrincipal:    unix.EINVAL,
	errors.StatusLockConflict:        unix.ENOLCK,
	errors.StatusDirNotEmpty:         unix.ENOTEMPTY,
	errors.StatusNotADirectory:       unix.ENOTDIR,
	errors.StatusInvalidFilename:     unix.EINVAL,
	errors.StatusLinkLoop:            unix.ELOOP,
}

// ToErrno maps a volume error onto the POSIX code reported to the host
// filesystem. A nil error maps to 0.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	if status, ok := errors.SFTPStatusOf(err); ok {
		if e, ok := statusErrno[status]; ok {
			return e
		}
		return unix.EIO
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidFormat, errors.ErrCodeInvalidState:
		return unix.EINVAL
	case errors.ErrCodeItemNotFound:
		return unix.ENOENT
	case errors.ErrCodeWorkerBusy:
		return unix.EAGAIN
	case errors.ErrCodeOperationTimeout, errors.ErrCodeNotConnected:
		return unix.ETIMEDOUT
	case errors.ErrCodeAuthenticationFailed:
		return unix.EACCES
	case errors.ErrCodeShutdownInProgress:
		return unix.ENOTCONN
	case errors.ErrCodeConnectionFailed, errors.ErrCodeSFTP, errors.ErrCodeMountFailed, errors.ErrCodeInternalError:
		return unix.EIO
	}

	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return unix.EINTR
	case stderrors.Is(err, context.DeadlineExceeded):
		return unix.ETIMEDOUT
	case stderrors.Is(err, fs.ErrNotExist):
		return unix.ENOENT
	case stderrors.Is(err, fs.ErrExist):
		return unix.EEXIST
	case stderrors.Is(err, fs.ErrPermission):
		return unix.EACCES
	case stderrors.Is(err, fs.ErrInvalid):
		return unix.EINVAL
	}
	return unix.EIO
}
