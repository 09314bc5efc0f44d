// Package config provides configuration parsing and validation for the relay host.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete host configuration.
type Config struct {
	Host    HostConfig    `yaml:"host"`
	Relay   RelayConfig   `yaml:"relay"`
	Control ControlConfig `yaml:"control"`
	Health  HealthConfig  `yaml:"health"`
}

// HostConfig contains process-wide settings.
type HostConfig struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// RelayConfig tunes the relay connection. Which relay to use and whether
// it is enabled live in relay_config.json inside the data directory.
type RelayConfig struct {
	DialTimeout  time.Duration   `yaml:"dial_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	QueueSize    int             `yaml:"queue_size"`
	ProxyURL     string          `yaml:"proxy_url"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	PairingRate  float64         `yaml:"pairing_rate"`
	PairingBurst int             `yaml:"pairing_burst"`
}

// ReconnectConfig defines the delay between connection attempts.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Host: HostConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Relay: RelayConfig{
			DialTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			PollInterval: 500 * time.Millisecond,
			QueueSize:    256,
			Reconnect: ReconnectConfig{
				InitialDelay: 5 * time.Second,
				MaxDelay:     5 * time.Second,
				Multiplier:   1.0,
			},
			PairingRate:  5,
			PairingBurst: 10,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "./data/control.sock",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9464",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:-default}.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Host.DataDir == "" {
		errs = append(errs, "host.data_dir is required")
	}
	if !isValidLogLevel(c.Host.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Host.LogLevel))
	}
	if !isValidLogFormat(c.Host.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Host.LogFormat))
	}

	r := c.Relay
	if r.DialTimeout <= 0 {
		errs = append(errs, "relay.dial_timeout must be positive")
	}
	if r.WriteTimeout <= 0 {
		errs = append(errs, "relay.write_timeout must be positive")
	}
	if r.PollInterval <= 0 {
		errs = append(errs, "relay.poll_interval must be positive")
	}
	if r.QueueSize < 1 {
		errs = append(errs, "relay.queue_size must be at least 1")
	}
	if r.ProxyURL != "" {
		if u, err := url.Parse(r.ProxyURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Sprintf("relay.proxy_url is invalid: %s", redactURL(r.ProxyURL)))
		}
	}
	if r.Reconnect.InitialDelay <= 0 {
		errs = append(errs, "relay.reconnect.initial_delay must be positive")
	}
	if r.Reconnect.MaxDelay < r.Reconnect.InitialDelay {
		errs = append(errs, "relay.reconnect.max_delay must be >= initial_delay")
	}
	if r.Reconnect.Multiplier < 1 {
		errs = append(errs, "relay.reconnect.multiplier must be >= 1")
	}
	if r.PairingRate <= 0 {
		errs = append(errs, "relay.pairing_rate must be positive")
	}
	if r.PairingBurst < 1 {
		errs = append(errs, "relay.pairing_burst must be at least 1")
	}

	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// Proxy credentials are redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "REDACTED"

// Redacted returns a copy of the config that is safe to log.
func (c *Config) Redacted() *Config {
	redacted := *c
	redacted.Relay.ProxyURL = redactURL(c.Relay.ProxyURL)
	return &redacted
}

// HasSensitiveData returns true if the config contains any credentials.
func (c *Config) HasSensitiveData() bool {
	u, err := url.Parse(c.Relay.ProxyURL)
	if err != nil || u.User == nil {
		return false
	}
	_, hasPassword := u.User.Password()
	return hasPassword
}

// redactURL hides the password of a URL with user info.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redactedValue)
	}
	return u.String()
}
