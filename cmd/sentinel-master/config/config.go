// Package config defines master configuration loaded from flags and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/koding/multiconfig"
)

// Config defines dispatcher (master) configuration.
type Config struct {
	Port      int    `flagUsage:"http listen port" default:"8910"`
	RedisHost string `flagUsage:"redis host" default:"127.0.0.1"`
	RedisPort int    `flagUsage:"redis port" default:"6379"`
	LangDir   string `flagUsage:"language descriptor directory" default:"config/languages"`
	Instances string `flagUsage:"legacy multi-instance topology, e.g. python=2,cpp=2"`

	EnableMetrics bool `flagUsage:"enable prometheus metrics endpoint"`

	Release bool `flagUsage:"release level of logs"`
	Silent  bool `flagUsage:"do not print logs"`
}

// Load loads config from flags & environment variables. The bare env names
// of the container deployment (PORT, REDIS_HOST, REDIS_PORT) are honored on
// top of the SENTINEL_-prefixed ones.
func (c *Config) Load() error {
	cl := multiconfig.MultiLoader(
		&multiconfig.TagLoader{},
		&multiconfig.EnvironmentLoader{
			Prefix:    "SENTINEL",
			CamelCase: true,
		},
		&multiconfig.FlagLoader{
			CamelCase: true,
			EnvPrefix: "SENTINEL",
		},
	)
	if os.Getpid() == 1 {
		c.Release = true
	}
	if err := cl.Load(c); err != nil {
		return err
	}
	c.loadLegacyEnv()
	return nil
}

func (c *Config) loadLegacyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.RedisHost = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisPort = n
		}
	}
}

// InstanceMap parses the Instances topology string into language → count.
func (c *Config) InstanceMap() (map[string]int, error) {
	m := make(map[string]int)
	if c.Instances == "" {
		return m, nil
	}
	for _, part := range strings.Split(c.Instances, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lang, countStr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("bad instances entry %q", part)
		}
		n, err := strconv.Atoi(countStr)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("bad instance count in %q", part)
		}
		m[lang] = n
	}
	return m, nil
}
