// Package errkind classifies the errors that cross component boundaries.
//
// Every store and runtime operation surfaces failures as a *Error carrying
// one Kind from the fixed taxonomy below, so callers can branch on the kind
// without string matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of an operation.
type Kind string

const (
	// KindNotFound - lookup for an id that does not exist.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict - uniqueness violated: duplicate task id, lease held by another agent.
	KindConflict Kind = "CONFLICT"
	// KindPrecondition - state-machine violation, e.g. completing a task that is not running.
	KindPrecondition Kind = "PRECONDITION"
	// KindConnection - storage engine not initialized or unreachable.
	KindConnection Kind = "CONNECTION_ERROR"
	// KindTransaction - transaction retries exhausted.
	KindTransaction Kind = "TRANSACTION_ERROR"
	// KindValidation - invalid input: empty title, out-of-range importance, dimension mismatch.
	KindValidation Kind = "VALIDATION"
	// KindExternalUnavailable - an external collaborator (embedding provider) failed or is absent.
	KindExternalUnavailable Kind = "EXTERNAL_UNAVAILABLE"
)

// Error is the typed error that flows through every boundary.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "task.claim"
	Err  error  // wrapped cause, may be nil
	msg  string
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.msg, e.Err)
	case e.msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, string(e.Kind))
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf attaches a kind, operation and message to an underlying error.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: err, msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool { return Is(err, KindConflict) }

// IsPrecondition reports whether err is a PRECONDITION error.
func IsPrecondition(err error) bool { return Is(err, KindPrecondition) }

// IsConnection reports whether err is a CONNECTION_ERROR.
func IsConnection(err error) bool { return Is(err, KindConnection) }

// IsTransaction reports whether err is a TRANSACTION_ERROR.
func IsTransaction(err error) bool { return Is(err, KindTransaction) }

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsExternalUnavailable reports whether err is an EXTERNAL_UNAVAILABLE error.
func IsExternalUnavailable(err error) bool { return Is(err, KindExternalUnavailable) }
