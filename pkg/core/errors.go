// Package core provides the memory coordinator that composes the short-term,
// episodic, and procedural stores behind a single client.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates that a requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates that a connection to the storage backend failed.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrEmbeddingFailed indicates that embedding generation failed.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// MemoryError wraps errors with operation context.
//
// It provides additional context about which operation failed,
// making error messages more informative for debugging.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "Retrieve",
//	    Err: ErrEmbeddingFailed,
//	}
//	// Error() returns: "healthmem: Retrieve: embedding generation failed"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "healthmem: <Op>: <Err>"
func (e *MemoryError) Error() string {
	return fmt.Sprintf("healthmem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
//
// This allows using errors.Is() and errors.As() with MemoryError.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("StoreTurn", err)
//	}
//
// Parameters:
//   - op: Name of the operation (e.g., "Retrieve", "StoreTurn")
//   - err: The underlying error to wrap
//
// Returns a MemoryError, or nil if err is nil.
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}

// PartialWriteError reports that a write reached some memory tiers but not
// all of them. It names the tiers that failed so callers can decide whether
// the miss matters.
type PartialWriteError struct {
	// Failed lists the tiers that did not accept the write.
	Failed []string

	// Errs holds the per-tier failures, index-aligned with Failed.
	Errs []error
}

// Error lists the failed tiers and their first underlying error.
func (e *PartialWriteError) Error() string {
	msg := fmt.Sprintf("healthmem: partial write: %s failed", strings.Join(e.Failed, ", "))
	if len(e.Errs) > 0 && e.Errs[0] != nil {
		msg += ": " + e.Errs[0].Error()
	}
	return msg
}

// Unwrap returns the first underlying tier error.
func (e *PartialWriteError) Unwrap() error {
	if len(e.Errs) == 0 {
		return nil
	}
	return e.Errs[0]
}
