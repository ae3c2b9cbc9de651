// Package errors provides the structured error taxonomy for sftpvol with error codes, categories, and context.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for volume operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Request validation
	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"

	// Transport
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeNotConnected     ErrorCode = "NOT_CONNECTED"

	// Authentication
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"

	// Protocol
	ErrCodeSFTP ErrorCode = "SFTP_ERROR"

	// Filesystem surface
	ErrCodeMountFailed  ErrorCode = "MOUNT_FAILED"
	ErrCodeItemNotFound ErrorCode = "ITEM_NOT_FOUND"

	// Resource management
	ErrCodeWorkerBusy ErrorCode = "WORKER_BUSY"

	// State management
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Operation
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"

	// Internal
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryConnection ErrorCategory = "connection"
	CategoryAuth       ErrorCategory = "auth"
	CategoryProtocol   ErrorCategory = "protocol"
	CategoryFilesystem ErrorCategory = "filesystem"
	CategoryResource   ErrorCategory = "resource"
	CategoryState      ErrorCategory = "state"
	CategoryOperation  ErrorCategory = "operation"
	CategoryInternal   ErrorCategory = "internal"
)

// SFTP status codes as defined by draft-ietf-secsh-filexfer-02 plus the
// extended codes servers commonly return.
const (
	StatusOK                  uint32 = 0
	StatusEOF                 uint32 = 1
	StatusNoSuchFile          uint32 = 2
	StatusPermissionDenied    uint32 = 3
	StatusFailure             uint32 = 4
	StatusBadMessage          uint32 = 5
	StatusNoConnection        uint32 = 6
	StatusConnectionLost      uint32 = 7
	StatusOpUnsupported       uint32 = 8
	StatusInvalidHandle       uint32 = 9
	StatusNoSuchPath          uint32 = 10
	StatusFileAlreadyExists   uint32 = 11
	StatusWriteProtect        uint32 = 12
	StatusNoMedia             uint32 = 13
	StatusNoSpaceOnFilesystem uint32 = 14
	StatusQuotaExceeded       uint32 = 15
	StatusUnknownPrincipal    uint32 = 16
	StatusLockConflict        uint32 = 17
	StatusDirNotEmpty         uint32 = 18
	StatusNotADirectory       uint32 = 19
	StatusInvalidFilename     uint32 = 20
	StatusLinkLoop            uint32 = 21
)

// VolumeError represents a structured error with context and metadata.
type VolumeError struct {
	// Core error information
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Path      string `json:"path,omitempty"`

	// SFTPStatus carries the remote status code for SFTP_ERROR. HasStatus
	// distinguishes a coded failure from an uncoded protocol failure.
	SFTPStatus uint32 `json:"sftp_status,omitempty"`
	HasStatus  bool   `json:"has_status,omitempty"`

	// Error handling hints
	Retryable bool `json:"retryable"`
	Transient bool `json:"transient"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *VolumeError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.HasStatus {
		fmt.Fprintf(&b, " [sftp status %d]", e.SFTPStatus)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *VolumeError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *VolumeError) Is(target error) bool {
	if ve, ok := target.(*VolumeError); ok {
		return e.Code == ve.Code
	}
	return false
}

// NewError creates a new error with default values.
func NewError(code ErrorCode, message string) *VolumeError {
	return &VolumeError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
		Transient: IsTransientByDefault(code),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *VolumeError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidFormat:
		return CategoryValidation
	case ErrCodeConnectionFailed, ErrCodeNotConnected:
		return CategoryConnection
	case ErrCodeAuthenticationFailed:
		return CategoryAuth
	case ErrCodeSFTP:
		return CategoryProtocol
	case ErrCodeMountFailed, ErrCodeItemNotFound:
		return CategoryFilesystem
	case ErrCodeWorkerBusy:
		return CategoryResource
	case ErrCodeInvalidState, ErrCodeShutdownInProgress:
		return CategoryState
	case ErrCodeOperationTimeout:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether an error with the code may succeed
// after reconnecting the transport.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionFailed, ErrCodeNotConnected:
		return true
	}
	return false
}

// IsTransientByDefault reports whether the caller should retry the whole
// operation later rather than treat it as a hard failure.
func IsTransientByDefault(code ErrorCode) bool {
	return code == ErrCodeWorkerBusy
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *VolumeError) WithContext(key, value string) *VolumeError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *VolumeError) WithComponent(component string) *VolumeError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *VolumeError) WithOperation(operation string) *VolumeError {
	e.Operation = operation
	return e
}

// WithPath records the remote path the error refers to
func (e *VolumeError) WithPath(path string) *VolumeError {
	e.Path = path
	return e
}

// WithCause sets the underlying cause
func (e *VolumeError) WithCause(cause error) *VolumeError {
	e.Cause = cause
	return e
}

// WithSFTPStatus attaches a coded SFTP status
func (e *VolumeError) WithSFTPStatus(status uint32) *VolumeError {
	e.SFTPStatus = status
	e.HasStatus = true
	return e
}

// WithStack captures the current stack trace
func (e *VolumeError) WithStack() *VolumeError {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns a user-friendly recommendation for fixing the error
func (e *VolumeError) GetRecommendation() string {
	switch e.Code {
	case ErrCodeInvalidFormat:
		return "Check the mount URL and its query options. Only the documented option keys are accepted."
	case ErrCodeConnectionFailed:
		return "Verify the host is reachable on the SSH port and that the server exposes the sftp subsystem."
	case ErrCodeAuthenticationFailed:
		return "Check that ssh-agent holds a usable key, that the identity files exist, or supply a password."
	case ErrCodeMountFailed:
		return "Check that the mount point exists, is a directory and that FUSE is installed."
	case ErrCodeWorkerBusy:
		return "The volume is saturated. Retry the operation or raise queue_timeout_ms."
	case ErrCodeOperationTimeout:
		return "The connection did not recover in time. The volume stays mounted and keeps reconnecting."
	}
	return "Please check the error message for details."
}

// CodeOf returns the code of the first VolumeError in err's chain, or the
// empty code when there is none.
func CodeOf(err error) ErrorCode {
	var ve *VolumeError
	if stderrors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// HasCode reports whether err's chain carries a VolumeError with the code.
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &VolumeError{Code: code})
}

// IsTransient reports whether err is a "try again" condition.
func IsTransient(err error) bool {
	var ve *VolumeError
	return stderrors.As(err, &ve) && ve.Transient
}

// SFTPStatusOf returns the SFTP status carried by err, if any.
func SFTPStatusOf(err error) (uint32, bool) {
	var ve *VolumeError
	if stderrors.As(err, &ve) && ve.HasStatus {
		return ve.SFTPStatus, true
	}
	return 0, false
}
