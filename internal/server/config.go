package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection broadcast rate
// limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the server configuration.
type Config struct {
	// BindAddr is the TCP chat listener address.
	BindAddr string `yaml:"bind_addr"`
	// ListenAddress is the HTTP listener for health, telemetry, and the
	// WebSocket bridge.
	ListenAddress string `yaml:"listen_address"`
	// TelemetryPath is the path the Prometheus handler is mounted on.
	TelemetryPath string `yaml:"telemetry_path"`
	// AllowedOrigins restricts WebSocket bridge upgrades. "*" allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxMessageSize caps a single inbound frame in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// ShutdownTimeout bounds the graceful shutdown wait.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// LoadConfig reads a yaml configuration file, fills in defaults, and applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	return &cfg, nil
}

// SetDefaults fills in zero-valued fields. The TCP port follows the protocol
// definition; everything else matches the HTTP conventions of the rest of
// the fleet.
func (c *Config) SetDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = ":7777"
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.TelemetryPath == "" {
		c.TelemetryPath = "/metrics"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:8080"}
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
}

// ApplyEnvOverrides applies environment variable overrides on top of file
// and default values.
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("CHAT_BIND_ADDR"); val != "" {
		c.BindAddr = val
	}
	if val := os.Getenv("CHAT_LISTEN_ADDRESS"); val != "" {
		c.ListenAddress = val
	}
	if val := os.Getenv("CHAT_TELEMETRY_PATH"); val != "" {
		c.TelemetryPath = val
	}
	if val := os.Getenv("CHAT_ALLOWED_ORIGINS"); val != "" {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		c.AllowedOrigins = parts
	}
	if val := os.Getenv("CHAT_MAX_MESSAGE_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil && size > 0 {
			c.MaxMessageSize = size
		}
	}
	if val := os.Getenv("CHAT_RATE_LIMIT_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil && burst > 0 {
			c.RateLimit.Burst = burst
		}
	}
	if val := os.Getenv("CHAT_RATE_LIMIT_REFILL_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil && seconds > 0 {
			c.RateLimit.RefillInterval = time.Duration(seconds) * time.Second
		}
	}
	if val := os.Getenv("CHAT_SHUTDOWN_TIMEOUT_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil && seconds > 0 {
			c.ShutdownTimeout = time.Duration(seconds) * time.Second
		}
	}
}
