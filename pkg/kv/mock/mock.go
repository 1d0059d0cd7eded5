// Package mock provides an in-memory kv.KV for tests and for running the
// tooling against nothing, e.g. in a development sandbox.
package mock

import (
	"errors"
	"path"
	"strings"
	"sync"

	"github.com/innogames/igvm/pkg/kv"
)

func init() {
	kv.Register("mock", New)
}

type mkv struct {
	mu    sync.Mutex
	index uint64
	data  map[string]kv.Value
}

// New creates an empty in-memory kv.KV. The addr is ignored.
func New(addr string) (kv.KV, error) {
	return &mkv{data: map[string]kv.Value{}}, nil
}

func (m *mkv) Delete(key string, recurse bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !recurse {
		if _, ok := m.data[key]; !ok {
			return kv.ErrKeyNotFound
		}
		delete(m.data, key)
		return nil
	}

	prefix := strings.TrimSuffix(key, "/") + "/"
	for k := range m.data {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *mkv) Get(key string) (kv.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.data[key]
	if !ok {
		return kv.Value{}, kv.ErrKeyNotFound
	}
	return value, nil
}

func (m *mkv) GetAll(prefix string) (map[string]kv.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	many := map[string]kv.Value{}
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			many[k] = v
		}
	}
	return many, nil
}

func (m *mkv) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix = strings.TrimSuffix(prefix, "/") + "/"
	seen := map[string]bool{}
	keys := []string{}
	for k := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		child := strings.SplitN(strings.TrimPrefix(k, prefix), "/", 2)[0]
		if child == "" || seen[child] {
			continue
		}
		seen[child] = true
		keys = append(keys, path.Join(prefix, child))
	}
	return keys, nil
}

func (m *mkv) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index++
	m.data[key] = kv.Value{Data: []byte(value), Index: m.index}
	return nil
}

func (m *mkv) Create(key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[key]; ok {
		return 0, kv.ErrKeyExists
	}
	m.index++
	m.data[key] = kv.Value{Data: value, Index: m.index}
	return m.index, nil
}

func (m *mkv) Update(key string, value kv.Value) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.data[key]
	if value.Index == 0 {
		if ok {
			return 0, kv.ErrKeyExists
		}
	} else if !ok || current.Index != value.Index {
		return 0, kv.ErrConflict
	}

	m.index++
	m.data[key] = kv.Value{Data: value.Data, Index: m.index}
	return m.index, nil
}

func (m *mkv) Remove(key string, index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.data[key]
	if !ok || current.Index != index {
		return kv.ErrConflict
	}
	delete(m.data, key)
	return nil
}

func (m *mkv) IsKeyNotFound(err error) bool {
	return errors.Is(err, kv.ErrKeyNotFound)
}

func (m *mkv) IsConflict(err error) bool {
	return errors.Is(err, kv.ErrConflict) || errors.Is(err, kv.ErrKeyExists)
}

func (m *mkv) Ping() error {
	return nil
}
