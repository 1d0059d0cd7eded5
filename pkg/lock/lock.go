// Package lock implements an advisory lock in the kv store using CAS
// semantics. Migrations hold one per hypervisor so two jobs do not fight
// over the same host's storage and domains.
package lock

import (
	"errors"
	"time"

	"github.com/innogames/igvm/pkg/kv"
)

var (
	// ErrLockNotHeld signifies an attempt to operate on a released/lost lock
	ErrLockNotHeld = errors.New("lock not held")
)

// Lock is a held lock in the kv store
type Lock struct {
	kv    kv.KV
	key   string
	value string
	index uint64
	held  bool
}

// Acquire attempts to acquire the lock. With blocking set it retries every
// interval until it succeeds; otherwise a held lock is an immediate error.
func Acquire(store kv.KV, key, value string, blocking bool, interval time.Duration) (*Lock, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		index, err := store.Create(key, []byte(value))
		if err == nil {
			return &Lock{
				kv:    store,
				key:   key,
				value: value,
				index: index,
				held:  true,
			}, nil
		}
		if !store.IsConflict(err) || !blocking {
			return nil, err
		}
		time.Sleep(interval)
	}
}

// Refresh re-asserts the lock, erroring if it was lost.
func (l *Lock) Refresh() error {
	if !l.held {
		return ErrLockNotHeld
	}

	index, err := l.kv.Update(l.key, kv.Value{Data: []byte(l.value), Index: l.index})
	if err != nil {
		l.held = false
		return err
	}
	l.index = index
	return nil
}

// Release unlocks the lock. The lock must not be used afterwards.
func (l *Lock) Release() error {
	if !l.held {
		return ErrLockNotHeld
	}
	l.held = false
	return l.kv.Remove(l.key, l.index)
}
