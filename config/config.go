// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for Beetle publishers, subscribers and
// the Redis failover daemons.
type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	Redis  RedisConfig  `yaml:"redis"`
	Dedup  DedupConfig  `yaml:"dedup"`
	Health HealthConfig `yaml:"health"`
	Log    LogConfig    `yaml:"log"`
}

// BrokerConfig holds the AMQP broker registry and connection settings.
type BrokerConfig struct {
	// Servers lists the broker addresses (host:port) used for both
	// publishing and subscribing. Order matters for non-redundant
	// publishing: servers are tried first to last.
	Servers []string `yaml:"servers"`

	// AdditionalSubscriptionServers extends the subscribe-only set,
	// used during cluster migrations to consume from the old and new
	// clusters at the same time without publishing to both.
	AdditionalSubscriptionServers []string `yaml:"additional_subscription_servers"`

	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Vhost    string `yaml:"vhost"`

	// SystemExchange is the broadcast channel carrying master-change
	// announcements from the configuration server to its clients.
	SystemExchange string `yaml:"system_exchange"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	// Cooldown is how long a broker that failed a non-redundant publish
	// is skipped before it is probed again.
	Cooldown time.Duration `yaml:"cooldown"`
}

// RedisConfig holds the deduplication replica set and failover settings.
type RedisConfig struct {
	// Servers lists the replicated key-value servers in promotion
	// priority order. The first reachable slave wins an election.
	Servers []string `yaml:"servers"`

	// RetryTimeout is how long a server may stay silent before it is
	// declared down. A single missed ping never triggers failover.
	RetryTimeout time.Duration `yaml:"retry_timeout"`

	// CheckInterval is the monitoring poll interval of the
	// configuration server.
	CheckInterval time.Duration `yaml:"check_interval"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DedupConfig holds deduplication store tuning.
type DedupConfig struct {
	// KeyPrefix namespaces all delivery record keys.
	KeyPrefix string `yaml:"key_prefix"`

	// HandlerTimeout bounds handler execution and sets the mutex lease,
	// so a crashed worker cannot wedge a record forever.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// GCThreshold is added to a message ttl before its delivery record
	// becomes collectable.
	GCThreshold time.Duration `yaml:"gc_threshold"`
}

// HealthConfig holds the failover daemon's health endpoint settings.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults for a local
// development setup.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Servers:        []string{"localhost:5672"},
			User:           "guest",
			Password:       "guest",
			Vhost:          "/",
			SystemExchange: "beetle.system",
			ConnectTimeout: 5 * time.Second,
			PublishTimeout: 3 * time.Second,
			ConfirmTimeout: 3 * time.Second,
			Cooldown:       10 * time.Second,
		},
		Redis: RedisConfig{
			Servers:       []string{"localhost:6379"},
			RetryTimeout:  10 * time.Second,
			CheckInterval: 1 * time.Second,
			DialTimeout:   2 * time.Second,
		},
		Dedup: DedupConfig{
			KeyPrefix:      "beetle:dedup",
			HandlerTimeout: 10 * time.Minute,
			GCThreshold:    1 * time.Hour,
		},
		Health: HealthConfig{
			Enabled:         true,
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, overlaying the defaults.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Broker.Servers) == 0 {
		return fmt.Errorf("broker.servers cannot be empty")
	}
	seen := make(map[string]bool, len(c.Broker.Servers))
	for _, s := range c.Broker.Servers {
		if s == "" {
			return fmt.Errorf("broker.servers cannot contain empty addresses")
		}
		if seen[s] {
			return fmt.Errorf("broker.servers contains duplicate address %q", s)
		}
		seen[s] = true
	}
	for _, s := range c.Broker.AdditionalSubscriptionServers {
		if seen[s] {
			return fmt.Errorf("broker.additional_subscription_servers duplicates server %q", s)
		}
		seen[s] = true
	}
	if c.Broker.SystemExchange == "" {
		return fmt.Errorf("broker.system_exchange cannot be empty")
	}
	if c.Broker.ConnectTimeout <= 0 || c.Broker.PublishTimeout <= 0 || c.Broker.ConfirmTimeout <= 0 {
		return fmt.Errorf("broker timeouts must be positive")
	}
	if c.Broker.Cooldown <= 0 {
		return fmt.Errorf("broker.cooldown must be positive")
	}
	if len(c.Redis.Servers) == 0 {
		return fmt.Errorf("redis.servers cannot be empty")
	}
	if c.Redis.RetryTimeout <= 0 {
		return fmt.Errorf("redis.retry_timeout must be positive")
	}
	if c.Redis.CheckInterval <= 0 {
		return fmt.Errorf("redis.check_interval must be positive")
	}
	if c.Redis.CheckInterval > c.Redis.RetryTimeout {
		return fmt.Errorf("redis.check_interval cannot exceed redis.retry_timeout")
	}
	if c.Dedup.KeyPrefix == "" {
		return fmt.Errorf("dedup.key_prefix cannot be empty")
	}
	if c.Dedup.HandlerTimeout <= 0 {
		return fmt.Errorf("dedup.handler_timeout must be positive")
	}
	if c.Dedup.GCThreshold < 0 {
		return fmt.Errorf("dedup.gc_threshold cannot be negative")
	}
	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health endpoint is enabled")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	return nil
}

// BrokerURL builds the AMQP URL for one broker address.
func (c *Config) BrokerURL(addr string) string {
	vhost := c.Broker.Vhost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s/%s", c.Broker.User, c.Broker.Password, addr, vhost)
}

// SubscriptionServers returns the full set of servers to consume from:
// the publish registry plus the subscribe-only extras.
func (c *Config) SubscriptionServers() []string {
	out := make([]string, 0, len(c.Broker.Servers)+len(c.Broker.AdditionalSubscriptionServers))
	out = append(out, c.Broker.Servers...)
	out = append(out, c.Broker.AdditionalSubscriptionServers...)
	return out
}
