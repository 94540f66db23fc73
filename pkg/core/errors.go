// Package core provides the memory coordinator: the only component aware
// of the durable record store, the vector index, and the session cache.
package core

import (
	"errors"
	"fmt"

	"github.com/TheSethRose/tristore/pkg/recordstore"
	"github.com/TheSethRose/tristore/pkg/vectorindex"
)

// ErrInvalidConfig indicates a configuration that cannot produce a
// working engine.
var ErrInvalidConfig = errors.New("invalid configuration")

// MemoryError wraps errors with operation context.
//
// It records which coordinator operation failed, making error messages
// more informative for debugging.
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message in the form
// "tristore: <Op>: <Err>".
func (e *MemoryError) Error() string {
	return fmt.Sprintf("tristore: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a MemoryError wrapping the given error. If err
// is nil, returns nil, which allows unconditional wrapping at return
// sites.
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{Op: op, Err: err}
}

// permanent reports whether an error can never succeed on retry: caller
// and configuration errors. Everything else — medium unavailability,
// timeouts, embedding call failures — is treated as transient and
// retried with backoff.
func permanent(err error) bool {
	return errors.Is(err, recordstore.ErrInvalidArgument) ||
		errors.Is(err, recordstore.ErrReferentialViolation) ||
		errors.Is(err, recordstore.ErrNotFound) ||
		errors.Is(err, vectorindex.ErrDimensionMismatch)
}
