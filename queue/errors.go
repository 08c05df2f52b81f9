package queue

import "fmt"

// Kind is the closed taxonomy of engine failures. Callers must
// exhaustively handle every kind.
type Kind string

const (
	// KindReplay means the payment signature was already consumed.
	KindReplay Kind = "REPLAY"
	// KindCooldown means standard-tier admission was blocked by an
	// active, queued, or cooled-down token.
	KindCooldown Kind = "COOLDOWN"
	// KindInvalidTier means the caller violated the tier contract.
	KindInvalidTier Kind = "INVALID_TIER"
	// KindStateWriteFailed means the backend transaction failed; the
	// whole transaction was rolled back.
	KindStateWriteFailed Kind = "STATE_WRITE_FAILED"
	// KindUnknown covers failures outside the closed set.
	KindUnknown Kind = "UNKNOWN"
)

// Error is the tagged engine error. Replay and Cooldown are expected
// user-facing conflicts; InvalidTier is a caller contract violation;
// StateWriteFailed is the only transient kind.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// NewError constructs an engine error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError constructs a StateWriteFailed error around a backend failure.
func WrapError(err error) *Error {
	return &Error{
		Kind:    KindStateWriteFailed,
		Message: err.Error(),
		cause:   err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("queue: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying backend error, if any.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether a caller may retry the operation.
func (e *Error) Retryable() bool { return e.Kind == KindStateWriteFailed }

// AsError extracts an *Error from err, or wraps err as StateWriteFailed
// when it is any other failure. A nil err returns nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if qErr, ok := err.(*Error); ok {
		return qErr
	}
	return WrapError(err)
}
