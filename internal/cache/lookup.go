package cache

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Lookup memoizes a keyed lookup for the life of the process, including negative results. Concurrent misses for the
// same key may both compute; the last write wins.
type Lookup[V any] struct {
	entries *xsync.MapOf[string, lookupEntry[V]]
}

type lookupEntry[V any] struct {
	value V
	found bool
}

func NewLookup[V any]() *Lookup[V] {
	return &Lookup[V]{entries: xsync.NewMapOf[string, lookupEntry[V]]()}
}

// Get returns the remembered result for key. cached is false if nothing has been remembered yet.
func (l *Lookup[V]) Get(key string) (value V, found bool, cached bool) {
	entry, ok := l.entries.Load(key)
	if !ok {
		return value, false, false
	}
	return entry.value, entry.found, true
}

// Put remembers a positive result.
func (l *Lookup[V]) Put(key string, value V) {
	l.entries.Store(key, lookupEntry[V]{value: value, found: true})
}

// PutMissing remembers that there is nothing for key.
func (l *Lookup[V]) PutMissing(key string) {
	l.entries.Store(key, lookupEntry[V]{})
}

// GetOrCompute returns the remembered result for key, or calls f and remembers its result. Errors from f are not
// remembered, so the next call tries again.
func (l *Lookup[V]) GetOrCompute(key string, f func() (V, bool, error)) (V, bool, error) {
	if value, found, cached := l.Get(key); cached {
		return value, found, nil
	}
	value, found, err := f()
	if err != nil {
		return value, false, err
	}
	if found {
		l.Put(key, value)
	} else {
		l.PutMissing(key)
	}
	return value, found, nil
}
