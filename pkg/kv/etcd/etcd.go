// Package etcd provides the etcd backed kv.KV implementation.
package etcd

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/innogames/igvm/pkg/kv"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const requestTimeout = 5 * time.Second

func init() {
	kv.Register("etcd", New)
}

type ekv struct {
	c *clientv3.Client
}

// New creates a kv.KV backed by an etcd cluster
func New(addr string) (kv.KV, error) {
	addr = strings.Replace(addr, "etcd://", "http://", 1)
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{addr},
		DialTimeout: requestTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &ekv{c: c}, nil
}

func timeoutContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func (e *ekv) Delete(key string, recurse bool) error {
	ctx, cancel := timeoutContext()
	defer cancel()

	opts := []clientv3.OpOption{}
	if recurse {
		key = strings.TrimSuffix(key, "/") + "/"
		opts = append(opts, clientv3.WithPrefix())
	}
	_, err := e.c.Delete(ctx, key, opts...)
	return err
}

func (e *ekv) Get(key string) (kv.Value, error) {
	ctx, cancel := timeoutContext()
	defer cancel()

	resp, err := e.c.Get(ctx, key)
	if err != nil {
		return kv.Value{}, err
	}
	if len(resp.Kvs) == 0 {
		return kv.Value{}, kv.ErrKeyNotFound
	}

	node := resp.Kvs[0]
	return kv.Value{Data: node.Value, Index: uint64(node.ModRevision)}, nil
}

func (e *ekv) GetAll(prefix string) (map[string]kv.Value, error) {
	ctx, cancel := timeoutContext()
	defer cancel()

	resp, err := e.c.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	many := make(map[string]kv.Value, len(resp.Kvs))
	for _, node := range resp.Kvs {
		many[string(node.Key)] = kv.Value{Data: node.Value, Index: uint64(node.ModRevision)}
	}
	return many, nil
}

func (e *ekv) Keys(prefix string) ([]string, error) {
	ctx, cancel := timeoutContext()
	defer cancel()

	prefix = strings.TrimSuffix(prefix, "/") + "/"
	resp, err := e.c.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}

	// Collapse nested keys down to the direct children of prefix
	seen := map[string]bool{}
	keys := []string{}
	for _, node := range resp.Kvs {
		rest := strings.TrimPrefix(string(node.Key), prefix)
		child := strings.SplitN(rest, "/", 2)[0]
		if child == "" || seen[child] {
			continue
		}
		seen[child] = true
		keys = append(keys, path.Join(prefix, child))
	}
	return keys, nil
}

func (e *ekv) Set(key, value string) error {
	ctx, cancel := timeoutContext()
	defer cancel()

	_, err := e.c.Put(ctx, key, value)
	return err
}

func (e *ekv) Create(key string, value []byte) (uint64, error) {
	ctx, cancel := timeoutContext()
	defer cancel()

	resp, err := e.c.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return 0, err
	}
	if !resp.Succeeded {
		return 0, kv.ErrKeyExists
	}
	return uint64(resp.Header.Revision), nil
}

func (e *ekv) Update(key string, value kv.Value) (uint64, error) {
	if value.Index == 0 {
		return e.Create(key, value.Data)
	}

	ctx, cancel := timeoutContext()
	defer cancel()

	resp, err := e.c.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", int64(value.Index))).
		Then(clientv3.OpPut(key, string(value.Data))).
		Commit()
	if err != nil {
		return 0, err
	}
	if !resp.Succeeded {
		return 0, kv.ErrConflict
	}
	return uint64(resp.Header.Revision), nil
}

func (e *ekv) Remove(key string, index uint64) error {
	ctx, cancel := timeoutContext()
	defer cancel()

	resp, err := e.c.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", int64(index))).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return kv.ErrConflict
	}
	return nil
}

func (e *ekv) IsKeyNotFound(err error) bool {
	return errors.Is(err, kv.ErrKeyNotFound)
}

func (e *ekv) IsConflict(err error) bool {
	return errors.Is(err, kv.ErrConflict) || errors.Is(err, kv.ErrKeyExists)
}

func (e *ekv) Ping() error {
	ctx, cancel := timeoutContext()
	defer cancel()

	_, err := e.c.Get(ctx, "/")
	return err
}
