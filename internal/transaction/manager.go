// Package transaction keeps track of transactions that outlive a single call,
// such as the ones opened over the HTTP API and committed by a later request.
package transaction

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ASHISH26940/atomicdict/internal/monitoring"
	"github.com/ASHISH26940/atomicdict/internal/store"
)

// Session is a transaction registered under a unique ID.
type Session[K comparable, V any] struct {
	ID      string
	Tx      *store.Tx[K, V]
	Started time.Time

	// mu serialises requests that share a session; a Tx is single-goroutine.
	mu sync.Mutex
}

// Lock acquires exclusive use of the session's transaction.
func (s *Session[K, V]) Lock() { s.mu.Lock() }

// Unlock releases the session.
func (s *Session[K, V]) Unlock() { s.mu.Unlock() }

// Manager is a thread-safe registry of open sessions on one store.
type Manager[K comparable, V any] struct {
	store   *store.Store[K, V]
	metrics *monitoring.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session[K, V]
}

// NewManager creates a new session manager for s. m may be nil.
func NewManager[K comparable, V any](s *store.Store[K, V], m *monitoring.Metrics) *Manager[K, V] {
	return &Manager[K, V]{
		store:    s,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*Session[K, V]),
	}
}

// Begin starts a new transaction on the store and registers it.
func (m *Manager[K, V]) Begin() *Session[K, V] {
	sess := &Session[K, V]{
		ID:      uuid.NewString(),
		Tx:      m.store.Begin(),
		Started: m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	m.metrics.SetOpenTransactions(len(m.sessions))
	return sess
}

// Get retrieves an open session by its ID.
func (m *Manager[K, V]) Get(id string) (*Session[K, V], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Clear forgets a session, usually after a commit or abort.
func (m *Manager[K, V]) Clear(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	m.metrics.SetOpenTransactions(len(m.sessions))
}

// Len returns the number of open sessions.
func (m *Manager[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops sessions older than maxAge and returns how many were dropped.
// Dropped transactions are abandoned, never committed.
func (m *Manager[K, V]) Sweep(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id, sess := range m.sessions {
		if sess.Started.Before(cutoff) {
			delete(m.sessions, id)
			dropped++
		}
	}
	m.metrics.SetOpenTransactions(len(m.sessions))
	return dropped
}
