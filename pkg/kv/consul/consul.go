// Package consul provides the consul backed kv.KV implementation.
package consul

import (
	"errors"
	"net/url"
	"path"
	"strings"

	consul "github.com/hashicorp/consul/api"
	"github.com/innogames/igvm/pkg/kv"
)

func init() {
	kv.Register("consul", New)
}

type ckv struct {
	c      *consul.KV
	client *consul.Client
}

// New instantiates a consul kv implementation. The parameter addr may be the
// empty string or a valid URL with scheme http, https or consul; consul is
// synonymous with http. With an empty addr the default consul address is
// used, which may be influenced by the environment.
func New(addr string) (kv.KV, error) {
	config := consul.DefaultConfig()
	if addr != "" {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}

		if u.Scheme != "consul" {
			config.Scheme = u.Scheme
		}
		config.Address = u.Host
	}

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &ckv{c: client.KV(), client: client}, nil
}

// consul rejects keys with a leading slash
func cleanKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func (c *ckv) Delete(key string, recurse bool) error {
	var err error
	if recurse {
		_, err = c.c.DeleteTree(cleanKey(key), nil)
	} else {
		_, err = c.c.Delete(cleanKey(key), nil)
	}
	return err
}

func (c *ckv) Get(key string) (kv.Value, error) {
	pair, _, err := c.c.Get(cleanKey(key), nil)
	if err != nil {
		return kv.Value{}, err
	}
	if pair == nil {
		return kv.Value{}, kv.ErrKeyNotFound
	}
	return kv.Value{Data: pair.Value, Index: pair.ModifyIndex}, nil
}

func (c *ckv) GetAll(prefix string) (map[string]kv.Value, error) {
	pairs, _, err := c.c.List(cleanKey(prefix), nil)
	if err != nil {
		return nil, err
	}

	many := make(map[string]kv.Value, len(pairs))
	for _, pair := range pairs {
		many["/"+pair.Key] = kv.Value{Data: pair.Value, Index: pair.ModifyIndex}
	}
	return many, nil
}

func (c *ckv) Keys(prefix string) ([]string, error) {
	prefix = strings.TrimSuffix(cleanKey(prefix), "/") + "/"
	children, _, err := c.c.Keys(prefix, "/", nil)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(children))
	for _, child := range children {
		keys = append(keys, "/"+path.Clean(child))
	}
	return keys, nil
}

func (c *ckv) Set(key, value string) error {
	_, err := c.c.Put(&consul.KVPair{Key: cleanKey(key), Value: []byte(value)}, nil)
	return err
}

func (c *ckv) Create(key string, value []byte) (uint64, error) {
	// ModifyIndex 0 makes Put a create
	ok, _, err := c.c.CAS(&consul.KVPair{Key: cleanKey(key), Value: value}, nil)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, kv.ErrKeyExists
	}

	pair, _, err := c.c.Get(cleanKey(key), nil)
	if err != nil {
		return 0, err
	}
	return pair.ModifyIndex, nil
}

func (c *ckv) Update(key string, value kv.Value) (uint64, error) {
	if value.Index == 0 {
		return c.Create(key, value.Data)
	}

	ok, _, err := c.c.CAS(&consul.KVPair{
		Key:         cleanKey(key),
		Value:       value.Data,
		ModifyIndex: value.Index,
	}, nil)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, kv.ErrConflict
	}

	pair, _, err := c.c.Get(cleanKey(key), nil)
	if err != nil {
		return 0, err
	}
	return pair.ModifyIndex, nil
}

func (c *ckv) Remove(key string, index uint64) error {
	ok, _, err := c.c.DeleteCAS(&consul.KVPair{
		Key:         cleanKey(key),
		ModifyIndex: index,
	}, nil)
	if err != nil {
		return err
	}
	if !ok {
		return kv.ErrConflict
	}
	return nil
}

func (c *ckv) IsKeyNotFound(err error) bool {
	return errors.Is(err, kv.ErrKeyNotFound)
}

func (c *ckv) IsConflict(err error) bool {
	return errors.Is(err, kv.ErrConflict) || errors.Is(err, kv.ErrKeyExists)
}

func (c *ckv) Ping() error {
	_, err := c.client.Status().Leader()
	return err
}
