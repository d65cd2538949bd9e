// Package config provides configuration loading, validation, and management
// for the chat automation core. It handles YAML config files with sane
// defaults and environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when the config file omits a setting.
const (
	DefaultStoreFilename       = "sessions.db"
	DefaultEventLogDir         = "events"
	DefaultEventLogRotation    = 24
	DefaultOutboundQueueSize   = 64
	DefaultPairingTimeoutSec   = 60
	DefaultReconnectBaseMs     = 500
	DefaultReconnectMaxSec     = 60
	DefaultReconnectMaxFails   = 8
	DefaultSendsPerMinute      = 20
	DefaultSendBurst           = 5
	DefaultMetricsAddr         = ":9090"
	DefaultShutdownTimeoutSec  = 30
	DefaultMenuOptionCount     = 6
)

// TransportConfig holds chat-network transport settings.
type TransportConfig struct {
	URL               string `yaml:"url"`                 // WebSocket endpoint of the chat-network gateway
	PairingTimeoutSec int    `yaml:"pairing_timeout_sec"` // Bounded wait for remote pairing confirmation
}

// ReconnectConfig controls the automatic retry policy after transport-level
// disconnects.
type ReconnectConfig struct {
	BaseBackoffMs   int `yaml:"base_backoff_ms"`  // First retry delay
	MaxBackoffSec   int `yaml:"max_backoff_sec"`  // Backoff ceiling
	MaxConsecutive  int `yaml:"max_consecutive"`  // Failures before giving up (instance -> error)
}

// RateLimitConfig bounds outbound sends per instance. Chat networks throttle
// or ban accounts that send too fast.
type RateLimitConfig struct {
	SendsPerMinute int `yaml:"sends_per_minute"`
	Burst          int `yaml:"burst"`
}

// BrokerConfig configures the optional conversation-event publisher.
// An empty URL disables publishing. CHATPILOT_BROKER_URL overrides the file
// value so credentials stay out of the config file.
type BrokerConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Config represents the main configuration for the chat automation core.
type Config struct {
	DataDir               string          `yaml:"data_dir"`                // Root for the session store and event logs
	Transport             TransportConfig `yaml:"transport"`
	Reconnect             ReconnectConfig `yaml:"reconnect"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
	Broker                BrokerConfig    `yaml:"broker"`
	OutboundQueueSize     int             `yaml:"outbound_queue_size"`     // Bounded per-actor outbound queue
	EventLogRotationHours int             `yaml:"event_log_rotation_hours"`
	MetricsAddr           string          `yaml:"metrics_addr"`
	ShutdownTimeoutSec    int             `yaml:"graceful_shutdown_timeout_sec"`
}

// Load reads and parses a YAML config file, applies defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with all defaults applied, rooted at dataDir.
// Used by tests and by the binary when no config file is given.
func Default(dataDir string) *Config {
	cfg := &Config{DataDir: dataDir}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Transport.PairingTimeoutSec <= 0 {
		c.Transport.PairingTimeoutSec = DefaultPairingTimeoutSec
	}
	if c.Reconnect.BaseBackoffMs <= 0 {
		c.Reconnect.BaseBackoffMs = DefaultReconnectBaseMs
	}
	if c.Reconnect.MaxBackoffSec <= 0 {
		c.Reconnect.MaxBackoffSec = DefaultReconnectMaxSec
	}
	if c.Reconnect.MaxConsecutive <= 0 {
		c.Reconnect.MaxConsecutive = DefaultReconnectMaxFails
	}
	if c.RateLimit.SendsPerMinute <= 0 {
		c.RateLimit.SendsPerMinute = DefaultSendsPerMinute
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultSendBurst
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if c.EventLogRotationHours <= 0 {
		c.EventLogRotationHours = DefaultEventLogRotation
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if c.ShutdownTimeoutSec <= 0 {
		c.ShutdownTimeoutSec = DefaultShutdownTimeoutSec
	}
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("CHATPILOT_BROKER_URL"); url != "" {
		c.Broker.URL = url
	}
	if url := os.Getenv("CHATPILOT_TRANSPORT_URL"); url != "" {
		c.Transport.URL = url
	}
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	if c.Broker.URL != "" && c.Broker.Exchange == "" {
		return fmt.Errorf("broker.exchange is required when broker.url is set")
	}
	if c.Reconnect.BaseBackoffMs > c.Reconnect.MaxBackoffSec*1000 {
		return fmt.Errorf("reconnect.base_backoff_ms (%d) exceeds reconnect.max_backoff_sec (%d)",
			c.Reconnect.BaseBackoffMs, c.Reconnect.MaxBackoffSec)
	}
	return nil
}

// StorePath returns the session store database path under DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, DefaultStoreFilename)
}

// EventLogPath returns the event log directory under DataDir.
func (c *Config) EventLogPath() string {
	return filepath.Join(c.DataDir, DefaultEventLogDir)
}

// PairingTimeout returns the pairing handshake timeout as a duration.
func (c *Config) PairingTimeout() time.Duration {
	return time.Duration(c.Transport.PairingTimeoutSec) * time.Second
}

// BaseBackoff returns the first reconnect delay as a duration.
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Reconnect.BaseBackoffMs) * time.Millisecond
}

// MaxBackoff returns the reconnect backoff ceiling as a duration.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Reconnect.MaxBackoffSec) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}
