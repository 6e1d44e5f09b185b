package storage

import (
	"errors"
	"fmt"
)

var (
	ErrStoreClosed       = errors.New("store is closed")
	ErrSessionClosed     = errors.New("session is closed")
	ErrSavepointClosed   = errors.New("savepoint is closed")
	ErrLockConflict      = errors.New("row lock held by another session")
	ErrNotFound          = errors.New("row not found")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrInvalidTransition = errors.New("invalid transaction state transition")
)

// StoreError wraps a storage failure with the operation that produced it.
type StoreError struct {
	Op      string
	Message string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// WrapError attaches an operation name to an error.
func WrapError(err error, op string) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Message: "operation failed", Cause: err}
}
