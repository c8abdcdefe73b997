// Package store contains the core logic for the in-memory key-value store.
// Reads are wait-free: they load the currently published Snapshot and never
// take a lock. Writes and transaction commits are serialised by a single
// mutex and publish a fresh Snapshot whose version is one higher.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ASHISH26940/atomicdict/internal/monitoring"
	"github.com/google/uuid"
)

// Publication labels reported to monitoring.
const (
	opWrite  = "write"
	opCommit = "commit"
	opClear  = "clear"
)

// Option configures a Store.
type Option func(*options)

type options struct {
	metrics *monitoring.Metrics
}

// WithMetrics records publications and conflicts on m.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Store is a concurrent key-value container with wait-free reads and
// atomic batched writes. Its zero value is not usable; create one with New.
type Store[K comparable, V any] struct {
	id      uuid.UUID
	current atomic.Pointer[Snapshot[K, V]]
	// mu serialises publications only. Readers never touch it.
	mu      sync.Mutex
	metrics *monitoring.Metrics
}

// New returns a Store at version 0 holding a copy of initial.
func New[K comparable, V any](initial map[K]V, opts ...Option) *Store[K, V] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store[K, V]{
		id:      uuid.New(),
		metrics: o.metrics,
	}
	s.current.Store(newSnapshot(0, cloneMap(initial)))
	return s
}

// ID returns the instance token reported in conflict errors.
func (s *Store[K, V]) ID() uuid.UUID { return s.id }

// publish installs data as the next snapshot. Callers must hold s.mu.
func (s *Store[K, V]) publish(op string, prev *Snapshot[K, V], data map[K]V) *Snapshot[K, V] {
	next := newSnapshot(prev.version+1, data)
	s.current.Store(next)
	s.metrics.ObservePublication(op, next.version)
	return next
}

// AtomicWriteRead applies writes and then removes as one publication and
// returns the values of reads as they were immediately before the update.
// Absent keys read as def. Removing an absent key is a no-op.
func (s *Store[K, V]) AtomicWriteRead(writes map[K]V, reads []K, removes []K, def V) map[K]V {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	values := cur.lookup(reads, def)

	data := cloneMap(cur.data)
	for k, v := range writes {
		data[k] = v
	}
	for _, k := range removes {
		delete(data, k)
	}

	s.publish(opWrite, cur, data)
	return values
}

// AtomicWaitFreeRead returns the values of keys from a single snapshot.
// It never blocks, and never observes half of a concurrent publication.
func (s *Store[K, V]) AtomicWaitFreeRead(keys []K, def V) map[K]V {
	return s.current.Load().lookup(keys, def)
}

// Begin starts a transaction on a private copy of the current snapshot.
func (s *Store[K, V]) Begin() *Tx[K, V] {
	cur := s.current.Load()
	return newTx(s, cur.version, cur.Copy())
}

// Commit publishes tx if no other publication happened since it began.
// On failure nothing is published and a *ConflictError is returned.
func (s *Store[K, V]) Commit(tx *Tx[K, V]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.state != TxActive {
		return ErrTxDone
	}
	if cerr := tx.validate(s); cerr != nil {
		tx.discard()
		s.metrics.ObserveConflict(cerr.Reason.String())
		return cerr
	}

	s.publish(opCommit, s.current.Load(), tx.data)
	tx.markCommitted()
	return nil
}

// Update runs fn inside a transaction and commits it when fn returns nil.
// If fn returns an error or panics, the transaction is dropped and nothing
// is published.
func (s *Store[K, V]) Update(fn func(tx *Tx[K, V]) error) (err error) {
	tx := s.Begin()
	done := false
	defer func() {
		if !done {
			tx.discard()
			return
		}
		if err == nil {
			err = tx.Commit()
		} else {
			tx.discard()
		}
	}()

	err = fn(tx)
	done = true
	return err
}

// Version returns the currently published version.
func (s *Store[K, V]) Version() uint64 { return s.current.Load().version }

// Snapshot returns the currently published snapshot.
func (s *Store[K, V]) Snapshot() *Snapshot[K, V] { return s.current.Load() }

// Len returns the number of keys.
func (s *Store[K, V]) Len() int { return s.current.Load().Len() }

// Get returns the value under key, or def if it is absent.
func (s *Store[K, V]) Get(key K, def V) V {
	if v, ok := s.current.Load().Get(key); ok {
		return v
	}
	return def
}

// Lookup returns the value under key and whether it was present.
func (s *Store[K, V]) Lookup(key K) (V, bool) { return s.current.Load().Get(key) }

// Contains reports whether key is present.
func (s *Store[K, V]) Contains(key K) bool { return s.current.Load().Contains(key) }

// Keys returns the keys of the current snapshot.
func (s *Store[K, V]) Keys() []K { return s.current.Load().Keys() }

// Values returns the values of the current snapshot.
func (s *Store[K, V]) Values() []V { return s.current.Load().Values() }

// Range iterates over the current snapshot. Publications made during the
// iteration are not observed.
func (s *Store[K, V]) Range(fn func(key K, value V) bool) { s.current.Load().Range(fn) }

// Copy returns a mutable copy of the current data.
func (s *Store[K, V]) Copy() map[K]V { return s.current.Load().Copy() }

func (s *Store[K, V]) String() string { return fmt.Sprint(s.current.Load().data) }

// Set stores value under key.
func (s *Store[K, V]) Set(key K, value V) {
	var zero V
	s.AtomicWriteRead(map[K]V{key: value}, nil, nil, zero)
}

// SetAll stores every entry of entries in one publication.
func (s *Store[K, V]) SetAll(entries map[K]V) {
	var zero V
	s.AtomicWriteRead(entries, nil, nil, zero)
}

// Delete removes key. The version advances even if key was absent.
func (s *Store[K, V]) Delete(key K) {
	var zero V
	s.AtomicWriteRead(nil, nil, []K{key}, zero)
}

// Pop removes key and returns its previous value, or def if it was absent.
func (s *Store[K, V]) Pop(key K, def V) V {
	keys := []K{key}
	return s.AtomicWriteRead(nil, keys, keys, def)[key]
}

// Clear removes every key in one publication.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(opClear, s.current.Load(), nil)
}
