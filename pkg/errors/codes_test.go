package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestProcessError_Error(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	expected := "[1001] Startup: invalid config file"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	cause := errors.New("file not found")
	errWithCause := New(ErrCodeFailedToStart, "Start", "could not open input redirection for reading", cause)
	expectedWithCause := "[3001] Start: could not open input redirection for reading (cause: file not found)"
	if errWithCause.Error() != expectedWithCause {
		t.Errorf("Expected %q, got %q", expectedWithCause, errWithCause.Error())
	}
}

func TestProcessError_Unwrap(t *testing.T) {
	cause := errors.New("file not found")
	err := New(ErrCodeConfigInvalid, "Startup", "invalid config file", cause)

	unwrapped := errors.Unwrap(err)
	if unwrapped != cause {
		t.Errorf("Expected cause %v, got %v", cause, unwrapped)
	}

	errNoCause := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	if errors.Unwrap(errNoCause) != nil {
		t.Errorf("Expected nil cause, got %v", errors.Unwrap(errNoCause))
	}
}

func TestProcessError_Fields(t *testing.T) {
	err := New(ErrCodeTimedout, "WaitForFinished", "process operation timed out", nil).(*ProcessError)
	if err.Code != ErrCodeTimedout {
		t.Errorf("Expected code %v, got %v", ErrCodeTimedout, err.Code)
	}
	if err.Operation != "WaitForFinished" {
		t.Errorf("Expected operation %q, got %q", "WaitForFinished", err.Operation)
	}
	if err.Msg != "process operation timed out" {
		t.Errorf("Expected message %q, got %q", "process operation timed out", err.Msg)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != 0 {
		t.Errorf("Expected 0 for nil error, got %v", CodeOf(nil))
	}
	if CodeOf(errors.New("plain")) != ErrCodeUnknown {
		t.Errorf("Expected ErrCodeUnknown for plain error")
	}
	wrapped := fmt.Errorf("launch: %w", New(ErrCodeCrashed, "Wait", "process crashed", nil))
	if CodeOf(wrapped) != ErrCodeCrashed {
		t.Errorf("Expected ErrCodeCrashed through wrapping, got %v", CodeOf(wrapped))
	}
}

func TestErrorCode_String(t *testing.T) {
	if ErrCodeFailedToStart.String() != "FailedToStart" {
		t.Errorf("Expected FailedToStart, got %s", ErrCodeFailedToStart.String())
	}
	if ErrorCode(42).String() != "ErrorCode(42)" {
		t.Errorf("Unexpected name for unknown code: %s", ErrorCode(42).String())
	}
}
