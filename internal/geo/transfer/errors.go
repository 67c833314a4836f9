// Package transfer moves replicated data from the primary site to a secondary.
// Failures are returned as *Error values carrying an ErrorKind so callers
// never have to inspect error messages.
package transfer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transfer failures.
type ErrorKind int

const (
	// Unknown is any failure that could not be classified.
	Unknown ErrorKind = iota
	// Transient failures are expected to go away, like timeouts or 5xx responses.
	Transient
	// NotFound means the resource does not exist on the primary.
	NotFound
	// Corrupt means the local copy is unreadable and must be downloaded again.
	Corrupt
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case NotFound:
		return "not_found"
	case Corrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Error is a classified transfer failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err. Errors that were not produced by this
// package are Unknown.
func KindOf(err error) ErrorKind {
	var transferErr *Error
	if errors.As(err, &transferErr) {
		return transferErr.Kind
	}
	return Unknown
}
