package igvm

import "path/filepath"

// Used to get/set fleet wide config variables, e.g. the bootstrap server

// ConfigPath is the path in the kv store
var ConfigPath = "/igvm/config/"

// Well known config keys
const (
	// ConfigBootstrapServer is the configuration management server handed
	// to the in-guest bootstrap agent
	ConfigBootstrapServer = "bootstrap-server"
)

// GetConfig fetches a single config value
func (c *Context) GetConfig(key string) (string, error) {
	value, err := c.kv.Get(filepath.Join(ConfigPath, key))
	if err != nil {
		return "", err
	}
	return string(value.Data), nil
}

// SetConfig stores a single config value
func (c *Context) SetConfig(key, val string) error {
	return c.kv.Set(filepath.Join(ConfigPath, key), val)
}
