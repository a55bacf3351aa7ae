// Package config defines the runtime configuration document: which
// component files to load, which persistence backend and message broker to
// use, and the observability endpoints to expose.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Persistence backends.
const (
	PersistenceMemory = "memory"
	PersistenceSQLite = "sqlite"
	PersistenceRedis  = "redis"
)

// Broker backends.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"
)

// RedisConfig holds Redis connection settings shared by the Redis stores
// and the Redis broker.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PersistenceConfig selects and configures the event and snapshot stores.
type PersistenceConfig struct {
	// Backend is memory, sqlite or redis. Empty disables persistence.
	Backend string `yaml:"backend"`
	// Path is the SQLite database file for the sqlite backend.
	Path string `yaml:"path"`
	// SnapshotInterval is the number of transitions between snapshots.
	// Zero selects the default, negative disables periodic snapshots.
	SnapshotInterval int         `yaml:"snapshotInterval"`
	Redis            RedisConfig `yaml:"redis"`
}

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	// Backend is memory, redis or nats. Empty selects memory.
	Backend string      `yaml:"backend"`
	NATSURL string      `yaml:"natsUrl"`
	Redis   RedisConfig `yaml:"redis"`
}

// RuntimeConfig is the top-level runtime document.
type RuntimeConfig struct {
	// RuntimeID identifies this runtime on shared channels; empty mints one.
	RuntimeID string `yaml:"runtimeId"`
	// Components lists the component document files to load.
	Components []string `yaml:"components"`
	// TickMs is the timer wheel granularity in milliseconds.
	TickMs int `yaml:"tickMs"`
	// HeartbeatSeconds is the announcement heartbeat period; zero selects
	// the default, negative disables heartbeats.
	HeartbeatSeconds int `yaml:"heartbeatSeconds"`
	// MetricsAddr exposes Prometheus metrics when non-empty, e.g. ":9090".
	MetricsAddr string `yaml:"metricsAddr"`
	// Restore reinstates persisted instances on startup.
	Restore bool `yaml:"restore"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Broker      BrokerConfig      `yaml:"broker"`
}

// Validate checks backend selectors and required fields.
func (c *RuntimeConfig) Validate() error {
	switch c.Persistence.Backend {
	case "", PersistenceMemory, PersistenceRedis:
	case PersistenceSQLite:
		if c.Persistence.Path == "" {
			return fmt.Errorf("config: sqlite persistence requires a path")
		}
	default:
		return fmt.Errorf("config: unknown persistence backend %q", c.Persistence.Backend)
	}
	switch c.Broker.Backend {
	case "", BrokerMemory, BrokerNATS:
	case BrokerRedis:
		if c.Broker.Redis.Address == "" {
			return fmt.Errorf("config: redis broker requires an address")
		}
	default:
		return fmt.Errorf("config: unknown broker backend %q", c.Broker.Backend)
	}
	if c.Persistence.Backend == PersistenceRedis && c.Persistence.Redis.Address == "" {
		return fmt.Errorf("config: redis persistence requires an address")
	}
	if len(c.Components) == 0 {
		return fmt.Errorf("config: at least one component file is required")
	}
	return nil
}

// Load reads and validates a runtime configuration file. Environment
// variable references ($VAR or ${VAR}) are expanded before parsing.
func Load(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg RuntimeConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
