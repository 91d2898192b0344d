package idempotency

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrFingerprintMismatch = errors.New("idempotency: key reused with a different payload")
	ErrOperationInProgress = errors.New("idempotency: operation in progress")
	ErrOperationFailed     = errors.New("idempotency: operation failed")
	ErrHandlerTimeout      = errors.New("idempotency: handler timed out")
	ErrAdapterUnavailable  = errors.New("idempotency: storage adapter unavailable")

	// ErrLockLost is returned by adapters when a commit finds the lock
	// expired or owned by another caller.
	ErrLockLost = errors.New("idempotency: lock lost")

	// ErrLookupUnsupported is returned by Engine.Lookup when the adapter
	// does not implement Inspector.
	ErrLookupUnsupported = errors.New("idempotency: adapter does not support lookup")
)

// Error is returned by Engine.Execute. Kind is one of the sentinels above
// and matches with errors.Is; Err is the underlying cause, if any.
type Error struct {
	Kind       error
	Key        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v (key %q)", e.Kind, e.Key)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether the same request may succeed if repeated
// later. A fingerprint mismatch never will.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		return false
	case errors.Is(err, ErrOperationInProgress),
		errors.Is(err, ErrHandlerTimeout),
		errors.Is(err, ErrOperationFailed),
		errors.Is(err, ErrAdapterUnavailable):
		return true
	default:
		return false
	}
}

// RetryAfterOf extracts the retry hint from an Execute error.
func RetryAfterOf(err error) time.Duration {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.RetryAfter
	}
	return 0
}
