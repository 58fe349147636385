package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Generation.Mode = strings.ToLower(strings.TrimSpace(c.Generation.Mode))
	c.Generation.URL = strings.TrimSpace(c.Generation.URL)
	c.Cache.BaseURL = strings.TrimRight(strings.TrimSpace(c.Cache.BaseURL), "/")
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	if c.Cache.Prefix != "" && !strings.HasSuffix(c.Cache.Prefix, "/") {
		c.Cache.Prefix += "/"
	}

	keys := c.Cache.Keys[:0]
	for _, k := range c.Cache.Keys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	c.Cache.Keys = keys

	if c.Store.Backend == BackendBadger {
		var err error
		if c.Store.BadgerPath, err = expandPath(c.Store.BadgerPath); err != nil {
			return fmt.Errorf("store.badger_path: %w", err)
		}
	}
	return nil
}
