package store

import "fmt"

// TxState represents the state of a transaction.
type TxState int

const (
	// TxActive indicates the transaction can still be mutated and committed.
	TxActive TxState = iota
	// TxCommitted indicates the transaction has been published.
	TxCommitted
	// TxAborted indicates the transaction was rejected or aborted by the caller.
	TxAborted
)

// String returns the string representation of a TxState.
func (s TxState) String() string {
	switch s {
	case TxActive:
		return "Active"
	case TxCommitted:
		return "Committed"
	case TxAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Tx is a private working copy of a Store taken at a given version.
// Mutations are invisible to everyone else until Commit succeeds, and Commit
// only succeeds if the store has not published anything since Begin.
//
// A Tx must not be used from more than one goroutine at a time.
type Tx[K comparable, V any] struct {
	source  *Store[K, V]
	version uint64
	data    map[K]V
	state   TxState
}

func newTx[K comparable, V any](source *Store[K, V], version uint64, data map[K]V) *Tx[K, V] {
	return &Tx[K, V]{
		source:  source,
		version: version,
		data:    data,
		state:   TxActive,
	}
}

// Version returns the base version the transaction was taken at.
func (tx *Tx[K, V]) Version() uint64 { return tx.version }

// Source returns the store that created the transaction.
func (tx *Tx[K, V]) Source() *Store[K, V] { return tx.source }

// State returns the current lifecycle state.
func (tx *Tx[K, V]) State() TxState { return tx.state }

// IsCommitted returns true once the transaction has been published.
func (tx *Tx[K, V]) IsCommitted() bool { return tx.state == TxCommitted }

// Get returns the working value under key, or def if it is absent.
func (tx *Tx[K, V]) Get(key K, def V) V {
	if v, ok := tx.data[key]; ok {
		return v
	}
	return def
}

// Lookup returns the working value under key and whether it was present.
func (tx *Tx[K, V]) Lookup(key K) (V, bool) {
	v, ok := tx.data[key]
	return v, ok
}

// Contains reports whether key is present in the working copy.
func (tx *Tx[K, V]) Contains(key K) bool {
	_, ok := tx.data[key]
	return ok
}

// Len returns the number of keys in the working copy.
func (tx *Tx[K, V]) Len() int { return len(tx.data) }

// Keys returns the keys of the working copy.
func (tx *Tx[K, V]) Keys() []K {
	keys := make([]K, 0, len(tx.data))
	for k := range tx.data {
		keys = append(keys, k)
	}
	return keys
}

// Range calls fn for every working entry until fn returns false.
func (tx *Tx[K, V]) Range(fn func(key K, value V) bool) {
	for k, v := range tx.data {
		if !fn(k, v) {
			return
		}
	}
}

// Set stores value under key in the working copy.
func (tx *Tx[K, V]) Set(key K, value V) error {
	if tx.state != TxActive {
		return ErrTxDone
	}
	tx.data[key] = value
	return nil
}

// Delete removes key from the working copy.
func (tx *Tx[K, V]) Delete(key K) error {
	if tx.state != TxActive {
		return ErrTxDone
	}
	delete(tx.data, key)
	return nil
}

// Validate checks that tx belongs to s and that s is still at the base
// version. It has no side effects.
func (tx *Tx[K, V]) Validate(s *Store[K, V]) error {
	if cerr := tx.validate(s); cerr != nil {
		return cerr
	}
	return nil
}

func (tx *Tx[K, V]) validate(s *Store[K, V]) *ConflictError {
	if s != tx.source {
		return tx.conflict(ReasonSourceMismatch, "Transaction object does not match input object")
	}
	if cur := s.Version(); cur != tx.version {
		return tx.conflict(ReasonVersionMismatch,
			fmt.Sprintf("Expected version: %d - Actual version: %d", tx.version, cur))
	}
	return nil
}

// Commit publishes the working copy to the source store. Committing an
// already committed transaction is a no-op.
func (tx *Tx[K, V]) Commit() error {
	if tx.state == TxCommitted {
		return nil
	}
	return tx.source.Commit(tx)
}

// Abort drops the transaction and returns a *ConflictError describing why.
// Nothing is published. Returning that error from a retry.Run body makes the
// runner start over.
func (tx *Tx[K, V]) Abort(reason string) error {
	msg := "Transaction aborted by user."
	if reason != "" {
		msg = "Transaction aborted by user: " + reason
	}
	cerr := tx.conflict(ReasonUserAbort, msg)
	if tx.state == TxActive {
		tx.discard()
		tx.source.metrics.ObserveConflict(cerr.Reason.String())
	}
	return cerr
}

func (tx *Tx[K, V]) conflict(reason ConflictReason, msg string) *ConflictError {
	return &ConflictError{
		StoreID: tx.source.id,
		Version: tx.version,
		Reason:  reason,
		Msg:     msg,
	}
}

func (tx *Tx[K, V]) markCommitted() {
	tx.state = TxCommitted
	// data now belongs to the published snapshot.
	tx.data = nil
}

func (tx *Tx[K, V]) discard() {
	if tx.state != TxActive {
		return
	}
	tx.state = TxAborted
	tx.data = nil
}
