// Package config implements the SetOption-keyed configuration for a
// Service Endpoint (spec §4.7) plus a TOML file loader for standalone
// use, grounded on the teacher's client/config package. The core itself
// is only ever driven through SetOption — file parsing is purely a
// convenience for an embedder that wants to start from a config file
// (config-file parsing is an external concern per spec §1).
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel     = "NOTICE"
	defaultMinLatencyMS = 2000
)

// Logging mirrors the ambient logging fields every endpoint-owning
// process needs regardless of the spec's feature non-goals (spec
// SPEC_FULL §4.15: ambient concerns are carried even when excluded
// features are not).
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// Config is the standalone-use configuration struct. Fields map
// one-to-one onto the SetOption keys enumerated in spec §4.7, plus the
// ambient additions from SPEC_FULL §4.15.
type Config struct {
	Logging Logging

	KeyFile      string
	Tag          string
	PrefetchTags []string
	PrefetchAddr []string
	Netns        string
	MinLatencyMS int

	TagCacheRedis string
}

// defaultConfig returns a Config with every field at its documented
// default.
func defaultConfig() *Config {
	return &Config{
		Logging:      Logging{Level: defaultLogLevel},
		MinLatencyMS: defaultMinLatencyMS,
	}
}

// Load parses a TOML file at path into a Config.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := defaultConfig()
	if err := toml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Options returns the Config's settings flattened into the key/value
// pairs service.Endpoint.SetOption expects, including the multi-valued
// prefetch-tag/prefetch-addr keys expanded to one pair per value.
func (c *Config) Options() [][2]string {
	opts := make([][2]string, 0, 8)
	if c.KeyFile != "" {
		opts = append(opts, [2]string{"keyfile", c.KeyFile})
	}
	if c.Tag != "" {
		opts = append(opts, [2]string{"tag", c.Tag})
	}
	for _, t := range c.PrefetchTags {
		opts = append(opts, [2]string{"prefetch-tag", t})
	}
	for _, a := range c.PrefetchAddr {
		opts = append(opts, [2]string{"prefetch-addr", a})
	}
	if c.Netns != "" {
		opts = append(opts, [2]string{"netns", c.Netns})
	}
	if c.MinLatencyMS > 0 {
		opts = append(opts, [2]string{"min-latency", fmt.Sprintf("%d", c.MinLatencyMS)})
	}
	if c.TagCacheRedis != "" {
		opts = append(opts, [2]string{"tag-cache-redis", c.TagCacheRedis})
	}
	return opts
}
