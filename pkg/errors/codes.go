package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in Procwarden.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Process lifecycle
	ErrCodeFailedToStart ErrorCode = 3001
	ErrCodeCrashed       ErrorCode = 3002
	ErrCodeTimedout      ErrorCode = 3003
	ErrCodeReadError     ErrorCode = 3004
	ErrCodeWriteError    ErrorCode = 3005
	ErrCodeNotRunning    ErrorCode = 3006
	ErrCodeExited        ErrorCode = 3007 // clean exit with a non-zero code

	// Detached launches
	ErrCodeDetachFailed ErrorCode = 4001
)

var codeNames = map[ErrorCode]string{
	ErrCodeUnknown:       "UnknownError",
	ErrCodeConfigInvalid: "ConfigInvalid",
	ErrCodeFailedToStart: "FailedToStart",
	ErrCodeCrashed:       "Crashed",
	ErrCodeTimedout:      "Timedout",
	ErrCodeReadError:     "ReadError",
	ErrCodeWriteError:    "WriteError",
	ErrCodeNotRunning:    "NotRunning",
	ErrCodeExited:        "NonZeroExit",
	ErrCodeDetachFailed:  "DetachFailed",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ProcessError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type ProcessError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *ProcessError) Unwrap() error {
	return e.Err
}

// New creates a new ProcessError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &ProcessError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the first ProcessError in err's chain,
// ErrCodeUnknown for any other non-nil error, and 0 for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return 0
	}
	var pe *ProcessError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnknown
}

// Personal.AI order the ending
