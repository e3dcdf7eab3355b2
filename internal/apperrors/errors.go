// Package apperrors defines the structured error kinds this system
// surfaces to callers (spec.md §7), generalized from the teacher's
// StorageError shape (storage-node/internal/errors/codes.go) to the kind
// enum this spec needs.
package apperrors

import "fmt"

// Kind enumerates the error categories spec.md §7 lists as surfaced to
// callers.
type Kind int

const (
	// KindNone signals success; never attached to an error value.
	KindNone Kind = iota
	// KindOverloaded is returned when a submission would push a client's
	// inflight count past pipelineMaxSize.
	KindOverloaded
	// KindPoolTimeout is returned when a pool checkout exceeds
	// poolTimeoutMsec.
	KindPoolTimeout
	// KindHostDown is returned when every client for a host is disabled.
	KindHostDown
	// KindCallTimeout is returned when a completed pipeline-head wait
	// times out outside the polling requeue path.
	KindCallTimeout
	// KindStoreExecutionError wraps a remote-reported failure on a
	// specific call.
	KindStoreExecutionError
	// KindProtocolError marks I/O or protocol corruption; it kills the
	// client that raised it.
	KindProtocolError
)

func (k Kind) String() string {
	switch k {
	case KindOverloaded:
		return "Overloaded"
	case KindPoolTimeout:
		return "PoolTimeout"
	case KindHostDown:
		return "HostDown"
	case KindCallTimeout:
		return "CallTimeout"
	case KindStoreExecutionError:
		return "StoreExecutionError"
	case KindProtocolError:
		return "ProtocolError"
	default:
		return "None"
	}
}

// Error is a structured error carrying a Kind, a human message, optional
// structured detail, and the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Details: map[string]interface{}{}, Cause: cause}
}

// WithDetail attaches a key/value to the error's detail bag and returns
// the same error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// Is allows errors.Is(err, apperrors.Overloaded("")) style checks by kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from err, or KindNone if err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindNone
}

// Sentinel constructors, one per surfaced kind.

func Overloaded(message string) *Error {
	return New(KindOverloaded, message, nil)
}

func PoolTimeout(host string) *Error {
	return New(KindPoolTimeout, "checkout timed out", nil).WithDetail("host", host)
}

func HostDown(host string) *Error {
	return New(KindHostDown, "host is disabled", nil).WithDetail("host", host)
}

func CallTimeout(op string) *Error {
	return New(KindCallTimeout, "call timed out", nil).WithDetail("op", op)
}

func StoreExecutionError(op string, cause error) *Error {
	return New(KindStoreExecutionError, "store execution failed", cause).WithDetail("op", op)
}

func ProtocolError(cause error) *Error {
	return New(KindProtocolError, "protocol error", cause)
}
