package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidFormat, "unknown option")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidFormat {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidFormat)
		}
		if err.Message != "unknown option" {
			t.Errorf("Message = %q, want %q", err.Message, "unknown option")
		}
		if err.Category != CategoryValidation {
			t.Errorf("Category = %v, want %v", err.Category, CategoryValidation)
		}
		if err.Context == nil {
			t.Error("Context map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeConnectionFailed, "reset").Retryable {
			t.Error("ConnectionFailed should be retryable by default")
		}
		if NewError(ErrCodeSFTP, "no such file").Retryable {
			t.Error("SFTP errors should not be retryable by default")
		}
	})

	t.Run("worker busy is transient", func(t *testing.T) {
		if !NewError(ErrCodeWorkerBusy, "queue full").Transient {
			t.Error("WorkerBusy should be transient")
		}
		if NewError(ErrCodeOperationTimeout, "timeout").Transient {
			t.Error("OperationTimeout should not be transient")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidFormat, CategoryValidation},
		{ErrCodeConnectionFailed, CategoryConnection},
		{ErrCodeNotConnected, CategoryConnection},
		{ErrCodeAuthenticationFailed, CategoryAuth},
		{ErrCodeSFTP, CategoryProtocol},
		{ErrCodeMountFailed, CategoryFilesystem},
		{ErrCodeItemNotFound, CategoryFilesystem},
		{ErrCodeWorkerBusy, CategoryResource},
		{ErrCodeShutdownInProgress, CategoryState},
		{ErrCodeOperationTimeout, CategoryOperation},
		{ErrCodeInternalError, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			result := GetCategory(tt.code)
			if result != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, result, tt.expected)
			}
		})
	}
}

func TestVolumeError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *VolumeError
		want string
	}{
		{
			name: "with component and operation",
			err: &VolumeError{
				Code:      ErrCodeSFTP,
				Component: "session",
				Operation: "stat",
				Message:   "stat failed",
			},
			want: "[session:stat] SFTP_ERROR: stat failed",
		},
		{
			name: "with path and status",
			err: NewError(ErrCodeSFTP, "open failed").
				WithPath("/srv/a.txt").
				WithSFTPStatus(StatusNoSuchFile),
			want: "SFTP_ERROR: open failed (/srv/a.txt) [sftp status 2]",
		},
		{
			name: "with cause",
			err: &VolumeError{
				Code:    ErrCodeConnectionFailed,
				Message: "dial",
				Cause:   errors.New("connection refused"),
			},
			want: "CONNECTION_FAILED: dial: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.err.Error()
			if result != tt.want {
				t.Errorf("Error() = %q, want %q", result, tt.want)
			}
		})
	}
}

func TestVolumeError_Is(t *testing.T) {
	t.Parallel()

	err1 := &VolumeError{Code: ErrCodeItemNotFound, Message: "not found"}
	err2 := &VolumeError{Code: ErrCodeItemNotFound, Message: "different message"}
	err3 := &VolumeError{Code: ErrCodeInvalidFormat, Message: "invalid"}

	if !err1.Is(err2) {
		t.Error("errors with same code should match with Is()")
	}
	if err1.Is(err3) {
		t.Error("errors with different codes should not match with Is()")
	}
	if err1.Is(errors.New("standard error")) {
		t.Error("VolumeError should not match standard error with Is()")
	}

	wrapped := fmt.Errorf("lookup: %w", err1)
	if !HasCode(wrapped, ErrCodeItemNotFound) {
		t.Error("HasCode should see through fmt.Errorf wrapping")
	}
	if CodeOf(wrapped) != ErrCodeItemNotFound {
		t.Errorf("CodeOf() = %v, want %v", CodeOf(wrapped), ErrCodeItemNotFound)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf() on a plain error should be empty")
	}
}

func TestVolumeError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying cause")
	err := NewError(ErrCodeInternalError, "wrapper").WithCause(cause)

	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestSFTPStatusOf(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("op: %w", NewError(ErrCodeSFTP, "denied").WithSFTPStatus(StatusPermissionDenied))
	status, ok := SFTPStatusOf(err)
	if !ok || status != StatusPermissionDenied {
		t.Errorf("SFTPStatusOf() = %d, %v; want %d, true", status, ok, StatusPermissionDenied)
	}

	if _, ok := SFTPStatusOf(NewError(ErrCodeSFTP, "uncoded")); ok {
		t.Error("uncoded SFTP error should report no status")
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if !IsTransient(fmt.Errorf("read: %w", NewError(ErrCodeWorkerBusy, "busy"))) {
		t.Error("wrapped WorkerBusy should be transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors are never transient")
	}
}

func TestBuilders(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeMountFailed, "mount").
		WithComponent("fuse").
		WithOperation("mount").
		WithContext("mountpoint", "/mnt/x").
		WithStack()

	if err.Component != "fuse" || err.Operation != "mount" {
		t.Errorf("component/operation = %q/%q", err.Component, err.Operation)
	}
	if err.Context["mountpoint"] != "/mnt/x" {
		t.Errorf("context mountpoint = %q", err.Context["mountpoint"])
	}
	if err.Stack == "" {
		t.Error("WithStack() did not capture a stack")
	}
	if !strings.Contains(err.GetRecommendation(), "FUSE") {
		t.Errorf("unexpected recommendation: %s", err.GetRecommendation())
	}
}

func TestCaptureStack(t *testing.T) {
	t.Parallel()

	stack := CaptureStack(0)
	if stack == "" {
		t.Error("CaptureStack() returned empty string")
	}
	if !strings.Contains(stack, ":") {
		t.Error("Stack trace should contain file:line format")
	}
}
