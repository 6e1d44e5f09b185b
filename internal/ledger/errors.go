package ledger

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy surfaced to callers.
type Kind string

const (
	KindInvalidRequest       Kind = "InvalidRequest"
	KindNoPath               Kind = "NoPath"
	KindInsufficientCapacity Kind = "InsufficientCapacity"
	KindConflict             Kind = "Conflict"
	KindFrozen               Kind = "Frozen"
	KindTimeout              Kind = "Timeout"
	KindNotEmpty             Kind = "NotEmpty"
	KindAlreadyExists        Kind = "AlreadyExists"
	KindInProgress           Kind = "InProgress"
	KindNotFound             Kind = "NotFound"
)

// Error carries an error kind through the engines so the orchestrator
// and the rpc layer can map failures without string matching.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a domain error.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Ef constructs a domain error with a formatted message.
func Ef(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: "wrapped", Err: err}
}

// KindOf extracts the kind from an error chain. Errors without a kind
// return the empty kind.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
