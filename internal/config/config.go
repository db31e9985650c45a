// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

// Package config loads identityd settings. Values are layered in order:
// built-in defaults, an optional YAML file, the DATABASE_URL and REDIS_URL
// environment variables, and finally command line flags the user set.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Storage and session backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Environment variables consulted when the DSNs are not configured.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvRedisURL    = "REDIS_URL"
)

// Config holds the complete service configuration.
type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Storage  string         `koanf:"storage"`
	Sessions SessionsConfig `koanf:"sessions"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Argon2   Argon2Config   `koanf:"argon2"`
}

// HTTPConfig configures the public API listener.
type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// SecureCookies marks the session cookie Secure. Disable only for
	// plain-HTTP development.
	SecureCookies bool `koanf:"secure_cookies"`
}

// MetricsConfig configures the observability listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// SessionsConfig configures the session manager.
type SessionsConfig struct {
	Store string        `koanf:"store"`
	TTL   time.Duration `koanf:"ttl"`
	// Sweep is a cron spec for purging expired sessions. Empty disables it.
	Sweep string `koanf:"sweep"`
}

// DatabaseConfig configures PostgreSQL access.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	Migrate         bool          `koanf:"migrate"`
	MaxConns        int32         `koanf:"max_conns"`
	ConnectAttempts uint64        `koanf:"connect_attempts"`
	RetryBase       time.Duration `koanf:"retry_base"`
}

// RedisConfig configures the redis session store.
type RedisConfig struct {
	URL       string `koanf:"url"`
	KeyPrefix string `koanf:"key_prefix"`
	PoolSize  int    `koanf:"pool_size"`
}

// Argon2Config mirrors auth.Argon2Params.
type Argon2Config struct {
	Time    uint32 `koanf:"time"`
	Memory  uint32 `koanf:"memory"`
	Threads uint8  `koanf:"threads"`
	SaltLen uint32 `koanf:"salt_len"`
	KeyLen  uint32 `koanf:"key_len"`
}

// defaults are the values used when neither file nor flags set a key.
var defaults = map[string]any{
	"http.addr":                 ":8080",
	"http.shutdown_timeout":     10 * time.Second,
	"http.secure_cookies":       true,
	"metrics.addr":              ":9100",
	"log.format":                "json",
	"log.level":                 "info",
	"storage":                   BackendPostgres,
	"sessions.store":            BackendPostgres,
	"sessions.ttl":              24 * time.Hour,
	"sessions.sweep":            "@every 10m",
	"database.migrate":          true,
	"database.max_conns":        10,
	"database.connect_attempts": 5,
	"database.retry_base":       500 * time.Millisecond,
	"redis.key_prefix":          "identity:",
	"redis.pool_size":           10,
	"argon2.time":               1,
	"argon2.memory":             64 * 1024,
	"argon2.threads":            4,
	"argon2.salt_len":           16,
	"argon2.key_len":            32,
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"http-addr":        "http.addr",
	"metrics-addr":     "metrics.addr",
	"log-format":       "log.format",
	"log-level":        "log.level",
	"storage":          "storage",
	"session-store":    "sessions.store",
	"session-ttl":      "sessions.ttl",
	"session-sweep":    "sessions.sweep",
	"database-url":     "database.url",
	"migrate":          "database.migrate",
	"redis-url":        "redis.url",
	"insecure-cookies": "http.secure_cookies",
}

// RegisterFlags adds the configuration flags to fs. Flag defaults are for
// help output only; unset flags never override the file.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("http-addr", defaults["http.addr"].(string), "public API listen address")
	fs.String("metrics-addr", defaults["metrics.addr"].(string), "metrics and health listen address (empty to disable)")
	fs.String("log-format", defaults["log.format"].(string), "log format (json, text)")
	fs.String("log-level", defaults["log.level"].(string), "log level (debug, info, warn, error)")
	fs.String("storage", defaults["storage"].(string), "account storage backend (postgres, memory)")
	fs.String("session-store", defaults["sessions.store"].(string), "session storage backend (postgres, redis, memory)")
	fs.Duration("session-ttl", defaults["sessions.ttl"].(time.Duration), "session lifetime (0 keeps sessions until logout)")
	fs.String("session-sweep", defaults["sessions.sweep"].(string), "cron spec for purging expired sessions (empty to disable)")
	fs.String("database-url", "", "PostgreSQL connection string (default $"+EnvDatabaseURL+")")
	fs.Bool("migrate", defaults["database.migrate"].(bool), "apply pending migrations on startup")
	fs.String("redis-url", "", "redis connection string (default $"+EnvRedisURL+")")
	fs.Bool("insecure-cookies", false, "issue session cookies without the Secure attribute")
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty), the environment and the flags in fs (may be nil).
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("key", key).Wrap(err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").
				With("operation", "read config file").
				With("path", path).
				Wrap(err)
		}
	}

	if err := applyEnv(k); err != nil {
		return nil, err
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, flagKey(fs)), nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "read flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "decode config").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flagKey renames flags to their configuration keys and drops flags that
// are not configuration (such as --config).
func flagKey(fs *pflag.FlagSet) func(f *pflag.Flag) (string, any) {
	return func(f *pflag.Flag) (string, any) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return "", nil
		}
		val := posflag.FlagVal(fs, f)
		if f.Name == "insecure-cookies" {
			insecure, _ := val.(bool) //nolint:errcheck // type assertion, not an error
			val = !insecure
		}
		return key, val
	}
}

func applyEnv(k *koanf.Koanf) error {
	fallbacks := map[string]string{
		"database.url": EnvDatabaseURL,
		"redis.url":    EnvRedisURL,
	}
	for key, env := range fallbacks {
		if k.String(key) != "" {
			continue
		}
		value, ok := os.LookupEnv(env)
		if !ok || value == "" {
			continue
		}
		if err := k.Set(key, value); err != nil {
			return oops.Code("CONFIG_LOAD_FAILED").With("key", key).Wrap(err)
		}
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("http.addr is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return oops.Code("CONFIG_INVALID").With("shutdown_timeout", c.HTTP.ShutdownTimeout).Errorf("http.shutdown_timeout must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return oops.Code("CONFIG_INVALID").With("format", c.Log.Format).Errorf("log.format must be 'json' or 'text'")
	}

	switch c.Storage {
	case BackendPostgres, BackendMemory:
	default:
		return oops.Code("CONFIG_INVALID").With("storage", c.Storage).Errorf("storage must be 'postgres' or 'memory'")
	}
	switch c.Sessions.Store {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return oops.Code("CONFIG_INVALID").With("store", c.Sessions.Store).Errorf("sessions.store must be 'postgres', 'redis' or 'memory'")
	}
	// Sessions reference accounts by foreign key.
	if c.Sessions.Store == BackendPostgres && c.Storage != BackendPostgres {
		return oops.Code("CONFIG_INVALID").Errorf("postgres session store requires postgres account storage")
	}
	if c.Sessions.TTL < 0 {
		return oops.Code("CONFIG_INVALID").With("ttl", c.Sessions.TTL).Errorf("sessions.ttl cannot be negative")
	}
	if c.Sessions.Sweep != "" {
		if _, err := cron.ParseStandard(c.Sessions.Sweep); err != nil {
			return oops.Code("CONFIG_INVALID").With("sweep", c.Sessions.Sweep).Wrapf(err, "sessions.sweep is not a valid cron spec")
		}
	}

	if c.UsesPostgres() && strings.TrimSpace(c.Database.URL) == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database.url (or %s) is required for postgres storage", EnvDatabaseURL)
	}
	if c.Sessions.Store == BackendRedis && strings.TrimSpace(c.Redis.URL) == "" {
		return oops.Code("CONFIG_INVALID").Errorf("redis.url (or %s) is required for the redis session store", EnvRedisURL)
	}
	return nil
}

// UsesPostgres reports whether any component needs a database pool.
func (c *Config) UsesPostgres() bool {
	return c.Storage == BackendPostgres || c.Sessions.Store == BackendPostgres
}
