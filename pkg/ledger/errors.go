package ledger

import (
	"errors"
	"fmt"
)

// Error is a classified ledger failure. Backends return it for every failure
// they understand; anything else reaching the writer is treated as unexpected.
type Error struct {
	Backend   string
	Code      int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s ledger: %s error (code %d): %v", e.Backend, kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s ledger: %s error: %v", e.Backend, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(backend string, code int, err error) *Error {
	return &Error{Backend: backend, Code: code, Retryable: true, Err: err}
}

// Permanent wraps err as a failure that needs operator intervention.
func Permanent(backend string, code int, err error) *Error {
	return &Error{Backend: backend, Code: code, Err: err}
}

// IsRetryable reports whether err is a classified transient failure.
func IsRetryable(err error) bool {
	var lerr *Error
	return errors.As(err, &lerr) && lerr.Retryable
}
