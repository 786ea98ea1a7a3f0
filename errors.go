package nand

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the error taxonomy described in the design: callers
// switch on Kind, never on the wrapped message text.
type Kind int

const (
	// KindUnknown is the zero value; it should never escape this package.
	KindUnknown Kind = iota
	// KindNotSupported covers unknown op commands, a parent lacking the
	// NAND protocol, or an OOB area too small for the BBT header.
	KindNotSupported
	// KindOutOfRange covers a block index at or beyond a partition's or
	// the BBT's length.
	KindOutOfRange
	// KindInvalidArgs covers a caller-supplied nil destination with a
	// nonzero requested capacity.
	KindInvalidArgs
	// KindNoMemory covers allocation failure for buffers or cached lists.
	KindNoMemory
	// KindInternal covers a malformed partition map, unusable geometry, or
	// no valid BBT copies found during a scan.
	KindInternal
	// KindNotFound covers exhaustion of the reserved BBT block set.
	KindNotFound
	// KindIoError covers a transitive failure surfaced by the controller.
	KindIoError
)

func (k Kind) String() string {
	switch k {
	case KindNotSupported:
		return "not supported"
	case KindOutOfRange:
		return "out of range"
	case KindInvalidArgs:
		return "invalid args"
	case KindNoMemory:
		return "no memory"
	case KindInternal:
		return "internal"
	case KindNotFound:
		return "not found"
	case KindIoError:
		return "io error"
	default:
		return "unknown"
	}
}

// Error is the error type returned across every public boundary in this
// module. It carries a Kind so callers can branch on failure category
// without string matching, and wraps the underlying cause (if any) with
// pkg/errors so a stack trace survives up to the top-level caller.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// NewError builds a bare Error with no wrapped cause.
func NewError(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// WrapError wraps cause with pkg/errors (so a stack trace is attached) and
// tags it with op and kind.
func WrapError(op string, kind Kind, cause error) error {
	if cause == nil {
		return NewError(op, kind)
	}
	return &Error{Op: op, Kind: kind, err: errors.Wrap(cause, op)}
}

// KindOf extracts the Kind from err if it (or something in its chain) is an
// *Error, and KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
