package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/mergeparty/kv"
)

// Storage backends.
const (
	backendNone     = "none"
	backendMemory   = "memory"
	backendBolt     = "bolt"
	backendSQLite   = "sqlite"
	backendRedis    = "redis"
	backendPostgres = "postgres"
)

// Config is the configuration of the relay.
type Config struct {
	Listen         string        `yaml:"listen"`
	MaxMessageSize int64         `yaml:"maxMessageSize"`
	Storage        StorageConfig `yaml:"storage"`
	Auth           AuthConfig    `yaml:"auth"`
	Metrics        bool          `yaml:"metrics"`
	MDNS           MDNSConfig    `yaml:"mdns"`
}

// StorageConfig selects and configures storage backend.
type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Bolt     BoltConfig     `yaml:"bolt"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Redis    kv.RedisConfig `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// BoltConfig configures bolt backend.
type BoltConfig struct {
	Path string `yaml:"path"`
}

// SQLiteConfig configures sqlite backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig configures postgres backend.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig configures connection authorization.
type AuthConfig struct {
	// JWTSecret enables token authorization if set.
	JWTSecret string `yaml:"jwtSecret"`
}

// MDNSConfig configures advertising the relay in local network.
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
}

// DefaultConfig is the default configuration.
var DefaultConfig = Config{
	Listen:         ":1999",
	MaxMessageSize: 16 * 1024 * 1024,
	Storage: StorageConfig{
		Backend: backendMemory,
		Bolt: BoltConfig{
			Path: "mergeparty.db",
		},
		SQLite: SQLiteConfig{
			Path: "mergeparty.sqlite",
		},
		Redis: kv.RedisConfig{
			Addr: "localhost:6379",
		},
	},
	Metrics: true,
	MDNS: MDNSConfig{
		Service: "_mergeparty._tcp",
	},
}

// LoadConfig reads config from YAML file. Missing values are taken from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config file %q failed", path)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config file %q failed", path)
	}
	return config, config.Validate()
}

// Validate validates config.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	switch c.Storage.Backend {
	case backendNone, backendMemory:
	case backendBolt:
		if c.Storage.Bolt.Path == "" {
			return errors.New("bolt path is empty")
		}
	case backendSQLite:
		if c.Storage.SQLite.Path == "" {
			return errors.New("sqlite path is empty")
		}
	case backendRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("redis address is empty")
		}
	case backendPostgres:
		if c.Storage.Postgres.URL == "" {
			return errors.New("postgres url is empty")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}
