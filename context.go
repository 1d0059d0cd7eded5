package igvm

import "github.com/innogames/igvm/pkg/kv"

// Context carries the kv store handle needed for inventory operations
type Context struct {
	kv kv.KV
}

// NewContext creates a Context
func NewContext(store kv.KV) *Context {
	return &Context{
		kv: store,
	}
}

// IsKeyNotFound reports whether err means a missing inventory record
func (c *Context) IsKeyNotFound(err error) bool {
	return c.kv.IsKeyNotFound(err)
}
