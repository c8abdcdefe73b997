package store

// Snapshot is an immutable (version, data) pair. Once a Snapshot has been
// published by a Store its data is never written again, so it can be read
// from any goroutine without synchronisation.
type Snapshot[K comparable, V any] struct {
	version uint64
	data    map[K]V
}

func newSnapshot[K comparable, V any](version uint64, data map[K]V) *Snapshot[K, V] {
	if data == nil {
		data = make(map[K]V)
	}
	return &Snapshot[K, V]{version: version, data: data}
}

// Version returns the version this snapshot was published at.
func (s *Snapshot[K, V]) Version() uint64 { return s.version }

// Len returns the number of keys.
func (s *Snapshot[K, V]) Len() int { return len(s.data) }

// Get returns the value stored under key.
func (s *Snapshot[K, V]) Get(key K) (V, bool) {
	v, ok := s.data[key]
	return v, ok
}

// Contains reports whether key is present.
func (s *Snapshot[K, V]) Contains(key K) bool {
	_, ok := s.data[key]
	return ok
}

// Keys returns the keys in unspecified order.
func (s *Snapshot[K, V]) Keys() []K {
	keys := make([]K, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Values returns the values in unspecified order.
func (s *Snapshot[K, V]) Values() []V {
	values := make([]V, 0, len(s.data))
	for _, v := range s.data {
		values = append(values, v)
	}
	return values
}

// Range calls fn for every entry until fn returns false.
func (s *Snapshot[K, V]) Range(fn func(key K, value V) bool) {
	for k, v := range s.data {
		if !fn(k, v) {
			return
		}
	}
}

// Copy returns a private, mutable copy of the data.
func (s *Snapshot[K, V]) Copy() map[K]V {
	return cloneMap(s.data)
}

// lookup resolves keys against the snapshot, substituting def for absent keys.
func (s *Snapshot[K, V]) lookup(keys []K, def V) map[K]V {
	values := make(map[K]V, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			values[k] = v
		} else {
			values[k] = def
		}
	}
	return values
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
