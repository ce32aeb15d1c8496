// Package relayerr defines the error taxonomy the gateway surfaces to
// clients. Codes cross the wire in response frames; classification helpers
// map internal sentinels onto codes.
package relayerr

import (
	"context"
	"errors"
	"fmt"
)

// Code categorizes an error for wire responses and monitoring.
type Code string

const (
	// CodeProtocol indicates a malformed or out-of-contract frame.
	CodeProtocol Code = "PROTOCOL_ERROR"

	// CodeUnauthenticated indicates a missing credential.
	CodeUnauthenticated Code = "UNAUTHENTICATED"

	// CodeUnauthorized indicates an invalid or expired credential.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeDuplicateRequest indicates a dedupe hit. Clients receive the
	// cached outcome, not a failure.
	CodeDuplicateRequest Code = "DUPLICATE_REQUEST"

	// CodeLockTimeout indicates the session write lock was not acquired
	// within budget. Retryable.
	CodeLockTimeout Code = "LOCK_TIMEOUT"

	// CodeApprovalRequired indicates a dangerous tool call awaiting
	// operator approval.
	CodeApprovalRequired Code = "APPROVAL_REQUIRED"

	// CodeToolBlocked indicates a hook vetoed the tool call.
	CodeToolBlocked Code = "TOOL_BLOCKED"

	// CodeToolExecution indicates the tool itself raised.
	CodeToolExecution Code = "TOOL_EXECUTION_ERROR"

	// CodeTranscriptWrite indicates transcript append I/O failed. Fatal to
	// the turn.
	CodeTranscriptWrite Code = "TRANSCRIPT_WRITE_FAILED"

	// CodeProvider indicates the model call failed.
	CodeProvider Code = "PROVIDER_ERROR"

	// CodeCancelled indicates client cancellation or shutdown.
	CodeCancelled Code = "CANCELLED"

	// CodeInternal indicates an unexpected internal error.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a coded error. It wraps the underlying cause so errors.Is and
// errors.As keep working through it.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Newf creates a coded error with a formatted message and no cause.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from an error chain. Context cancellation maps to
// CodeCancelled; everything uncoded maps to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return CodeInternal
}

// MessageOf returns the client-visible message for an error chain.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}
