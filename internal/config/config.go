// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

// Package config loads relay configuration from an optional YAML file,
// command-line flags, and environment fallbacks for connection URLs.
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Store backend kinds.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds the relay process configuration.
type Config struct {
	// WireAddr is the TCP listen address for chat clients.
	WireAddr string `koanf:"wire_addr"`
	// HTTPAddr is the listen address for the history API.
	HTTPAddr string `koanf:"http_addr"`
	// MetricsAddr is the metrics/health address. Empty disables the server.
	MetricsAddr string `koanf:"metrics_addr"`
	// Store selects the message store backend: memory, redis, or postgres.
	Store string `koanf:"store"`
	// DatabaseURL is the PostgreSQL connection string (postgres store only).
	// Falls back to the DATABASE_URL environment variable.
	DatabaseURL string `koanf:"database_url"`
	// RedisURL is the Redis connection string, used for the broadcast bus
	// and the redis store. Falls back to the REDIS_URL environment variable.
	RedisURL string `koanf:"redis_url"`
	// LogFormat is "json" or "text".
	LogFormat string `koanf:"log_format"`
}

// Load builds a Config by layering, lowest to highest precedence:
// flag defaults, the YAML file at path (if non-empty), explicitly set
// flags, then environment fallbacks for unset connection URLs.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	// Flag names use dashes; config keys use underscores. Explicitly set
	// flags override the file, flag defaults only fill missing keys.
	provider := posflag.ProviderWithValue(flags, ".", k, func(key, value string) (string, interface{}) {
		return strings.ReplaceAll(key, "-", "_"), value
	})
	if err := k.Load(provider, nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("CONFIG_PARSE_FAILED").Wrap(err)
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = os.Getenv("REDIS_URL")
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (cfg *Config) Validate() error {
	if cfg.WireAddr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("wire-addr is required")
	}
	if cfg.HTTPAddr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("http-addr is required")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return oops.Code("CONFIG_INVALID").
			Errorf("log-format must be 'json' or 'text', got %q", cfg.LogFormat)
	}

	switch cfg.Store {
	case StoreMemory:
		// Single-process mode: in-memory store and bus, no URLs needed.
	case StoreRedis:
		if cfg.RedisURL == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("redis-url (or REDIS_URL) is required for the redis store")
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("database-url (or DATABASE_URL) is required for the postgres store")
		}
		if cfg.RedisURL == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("redis-url (or REDIS_URL) is required for the broadcast bus")
		}
	default:
		return oops.Code("CONFIG_INVALID").
			Errorf("store must be 'memory', 'redis', or 'postgres', got %q", cfg.Store)
	}

	return nil
}
