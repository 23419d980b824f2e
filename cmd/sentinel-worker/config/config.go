// Package config defines worker configuration loaded from flags and
// environment variables.
package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/koding/multiconfig"
)

// Config defines worker configuration. Language is required; a worker
// without one refuses to start.
type Config struct {
	Language    string `flagUsage:"language this worker executes (required)"`
	ExecutorID  string `flagUsage:"instance label for logs and metrics"`
	Concurrency int    `flagUsage:"parallel job executions" default:"1"`
	QueueName   string `flagUsage:"queue override (defaults to {language}-executor)"`

	RedisHost string `flagUsage:"redis host" default:"127.0.0.1"`
	RedisPort int    `flagUsage:"redis port" default:"6379"`

	LangDir  string `flagUsage:"language descriptor directory" default:"config/languages"`
	WorkDir  string `flagUsage:"workspace root (platform temp default)"`
	CacheDir string `flagUsage:"compile cache root (platform temp default)"`

	MonitorAddr   string `flagUsage:"monitoring http binding address" default:":5052"`
	EnableMetrics bool   `flagUsage:"enable prometheus metrics endpoint"`
	EnableDebug   bool   `flagUsage:"enable pprof debug endpoint"`

	Release bool `flagUsage:"release level of logs"`
	Silent  bool `flagUsage:"do not print logs"`
}

// Load loads config from flags & environment variables, honoring the bare
// env names of the container deployment (LANGUAGE, EXECUTOR_ID, CONCURRENCY,
// REDIS_HOST, REDIS_PORT, QUEUE_NAME) on top of the SENTINEL_-prefixed ones.
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

	if c.Language == "" {
		return errors.New("no language configured, set LANGUAGE")
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.QueueName == "" {
		c.QueueName = c.Language + "-executor"
	}
	return nil
}

func (c *Config) loadLegacyEnv() {
	if v := os.Getenv("LANGUAGE"); v != "" {
		c.Language = v
	}
	if v := os.Getenv("EXECUTOR_ID"); v != "" {
		c.ExecutorID = v
	}
	if v := os.Getenv("CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Concurrency = n
		}
	}
	if v := os.Getenv("QUEUE_NAME"); v != "" {
		c.QueueName = v
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
