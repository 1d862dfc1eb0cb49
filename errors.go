package tiercache

import (
	"errors"
	"fmt"
)

// Code classifies every error the engine raises to a caller. Callers can
// implement generic retry logic off Code and Retryable without inspecting
// provider-specific errors.
type Code int

const (
	// CodeUnknown is the zero value; it should not appear in practice.
	CodeUnknown Code = iota
	// CodeInvalidKey: empty key. Never retried.
	CodeInvalidKey
	// CodeKeyTooLong: key exceeds MaxKeyLength. Never retried.
	CodeKeyTooLong
	// CodeInvalidValue: nil value where one is required. Never retried.
	CodeInvalidValue
	// CodeDuplicateProvider: Register with an already-taken name.
	CodeDuplicateProvider
	// CodeNoProvider: no provider registered (or forced provider missing).
	CodeNoProvider
	// CodeProvider: a backing store failed the operation.
	CodeProvider
	// CodeCircuitOpen: fast-fail; the breaker guarding the provider is open.
	CodeCircuitOpen
	// CodeRateLimited: admission control rejected the call.
	CodeRateLimited
	// CodeQueueTimeout: a fair-queue waiter was not released in time.
	CodeQueueTimeout
	// CodeSerialization: value could not be encoded.
	CodeSerialization
	// CodeDeserialization: stored bytes could not be decoded.
	CodeDeserialization
	// CodeTimeout: the operation ran out of time.
	CodeTimeout
)

func (c Code) String() string {
	switch c {
	case CodeInvalidKey:
		return "INVALID_KEY"
	case CodeKeyTooLong:
		return "KEY_TOO_LONG"
	case CodeInvalidValue:
		return "INVALID_VALUE"
	case CodeDuplicateProvider:
		return "DUPLICATE_PROVIDER"
	case CodeNoProvider:
		return "NO_PROVIDER"
	case CodeProvider:
		return "PROVIDER"
	case CodeCircuitOpen:
		return "CIRCUIT_OPEN"
	case CodeRateLimited:
		return "RATE_LIMITED"
	case CodeQueueTimeout:
		return "QUEUE_TIMEOUT"
	case CodeSerialization:
		return "SERIALIZATION"
	case CodeDeserialization:
		return "DESERIALIZATION"
	case CodeTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Error is the single normalized error type raised by the engine. It carries
// the operation and key for context and a Retryable hint for callers.
type Error struct {
	Code      Code
	Op        string // "get", "set", "delete", ...
	Key       string
	Retryable bool
	Err       error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("tiercache: %s %s", e.Op, e.Code)
	if e.Key != "" {
		msg += fmt.Sprintf(" key=%q", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches against another *Error by Code, so sentinels like
// &Error{Code: CodeRateLimited} work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// CodeOf extracts the Code from err, or CodeUnknown if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether the caller may reasonably retry after backoff.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

func newErr(code Code, op, key string, retryable bool, cause error) *Error {
	return &Error{Code: code, Op: op, Key: key, Retryable: retryable, Err: cause}
}
