// Package kv abstracts the inventory's key value store. Implementations
// register themselves by URL scheme so binaries can pick a backend with a
// plain connection string.
package kv

import (
	"fmt"
	"net/url"
	"sync"
)

// Value is data plus the store index it was read at. The index is used for
// optimistic concurrency on updates.
type Value struct {
	Data  []byte
	Index uint64
}

var register = struct {
	sync.RWMutex
	kvs map[string]func(string) (KV, error)
}{
	kvs: map[string]func(string) (KV, error){},
}

// Register is called by KV implementors to register their scheme to be used
// with New
func Register(name string, fn func(string) (KV, error)) {
	register.Lock()
	defer register.Unlock()

	if _, dup := register.kvs[name]; dup {
		panic("kv: Register called twice for " + name)
	}
	register.kvs[name] = fn
}

// New returns a KV implementation according to the connection string addr.
// The URL scheme selects the implementation. The generic `http` and `https`
// schemes are given to the first implementation that accepts them.
func New(addr string) (KV, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	register.RLock()
	defer register.RUnlock()

	fn := register.kvs[u.Scheme]
	if fn != nil {
		return fn(addr)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unknown kv store %s (forgotten import?)", u.Scheme)
	}

	for _, constructor := range register.kvs {
		kv, err := constructor(addr)
		if err != nil {
			return nil, err
		}
		if kv != nil {
			return kv, nil
		}
	}
	return nil, fmt.Errorf("unknown kv store")
}

// KV is the interface for inventory store interaction
type KV interface {
	Delete(string, bool) error
	Get(string) (Value, error)
	GetAll(string) (map[string]Value, error)
	Keys(string) ([]string, error)
	Set(string, string) error

	// Atomic operations.
	// Create sets key=value only if the key does not exist yet.
	Create(string, []byte) (uint64, error)
	// Update sets key=value only if the key has not been modified since
	// index, so newer values are not clobbered.
	Update(string, Value) (uint64, error)
	// Remove deletes key only if it has not been modified since index.
	Remove(string, uint64) error

	// IsKeyNotFound reports whether the error is a key not found error.
	IsKeyNotFound(error) bool
	// IsConflict reports whether the error came from a failed atomic
	// operation, meaning somebody else modified the key first.
	IsConflict(error) bool

	// Ping verifies the store is reachable.
	Ping() error
}
