package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrConflict matches every *ConflictError via errors.Is.
	ErrConflict = errors.New("transaction conflict")
	// ErrTxDone is returned when a finished transaction is mutated.
	ErrTxDone = errors.New("transaction has already been committed or aborted")
)

// ConflictReason says why a transaction was rejected.
type ConflictReason uint8

const (
	// ReasonSourceMismatch: the transaction was presented to a store that did not create it.
	ReasonSourceMismatch ConflictReason = iota
	// ReasonVersionMismatch: another publication happened after the transaction began.
	ReasonVersionMismatch
	// ReasonUserAbort: the caller aborted the transaction.
	ReasonUserAbort
)

// String returns the string representation of a ConflictReason.
func (r ConflictReason) String() string {
	switch r {
	case ReasonSourceMismatch:
		return "source"
	case ReasonVersionMismatch:
		return "version"
	case ReasonUserAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ConflictError is the only error kind raised by transactions. It carries the
// store the transaction was taken from and the version it was based on.
type ConflictError struct {
	StoreID uuid.UUID
	Version uint64
	Reason  ConflictReason
	Msg     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction conflict (store %s, version %d): %s", e.StoreID, e.Version, e.Msg)
}

// Is makes errors.Is(err, ErrConflict) hold for every ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsConflict reports whether err is, or wraps, a *ConflictError.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
