// Package config provides configuration parsing and validation for the UDP mirror relay.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Socket  SocketConfig  `yaml:"socket"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Health  HealthConfig  `yaml:"health"`
	Control ControlConfig `yaml:"control"`
}

// RelayConfig contains the listening addresses and logging settings.
type RelayConfig struct {
	DataAddress  string `yaml:"data_address"`  // host:port receiving traffic to mirror
	AdminAddress string `yaml:"admin_address"` // host:port receiving register/unregister
	LogLevel     string `yaml:"log_level"`     // debug, info, warn, error
	LogFormat    string `yaml:"log_format"`    // text, json
}

// SocketConfig tunes both UDP sockets.
type SocketConfig struct {
	ReadBuffer   string `yaml:"read_buffer"`  // e.g. "4MiB", empty = OS default
	WriteBuffer  string `yaml:"write_buffer"` // e.g. "4MiB", empty = OS default
	ReuseAddress bool   `yaml:"reuse_address"`
}

// MirrorConfig tunes the data-plane loop.
type MirrorConfig struct {
	MaxDatagramSize string        `yaml:"max_datagram_size"` // e.g. "64KiB"
	SendTimeout     time.Duration `yaml:"send_timeout"`      // 0 = no deadline
	TOS             int           `yaml:"tos"`               // IPv4 TOS byte, 0 = unchanged
	FailureLogRate  float64       `yaml:"failure_log_rate"`  // failure log lines per second, 0 = all
	FailureLogBurst int           `yaml:"failure_log_burst"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default ports used when no configuration overrides them.
const (
	DefaultDataPort  = 514
	DefaultAdminPort = 10000
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			DataAddress:  net.JoinHostPort("0.0.0.0", strconv.Itoa(DefaultDataPort)),
			AdminAddress: net.JoinHostPort("0.0.0.0", strconv.Itoa(DefaultAdminPort)),
			LogLevel:     "info",
			LogFormat:    "text",
		},
		Socket: SocketConfig{},
		Mirror: MirrorConfig{
			MaxDatagramSize: "64KiB",
			FailureLogRate:  1,
			FailureLogBurst: 5,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./udp-mirror.sock",
		},
	}
}

// Load reads, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Read reads and parses a configuration file without validating it, for
// callers that override fields before calling Validate.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Decode(data)
}

// Parse parses and validates configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Decode expands environment variables and unmarshals YAML over the defaults.
func Decode(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
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

// SetPorts replaces the port of the data and admin addresses, keeping their hosts.
func (c *Config) SetPorts(dataPort, adminPort int) error {
	data, err := replacePort(c.Relay.DataAddress, dataPort)
	if err != nil {
		return fmt.Errorf("relay.data_address: %w", err)
	}
	admin, err := replacePort(c.Relay.AdminAddress, adminPort)
	if err != nil {
		return fmt.Errorf("relay.admin_address: %w", err)
	}
	c.Relay.DataAddress = data
	c.Relay.AdminAddress = admin
	return nil
}

func replacePort(address string, port int) (string, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if err := validateAddress(c.Relay.DataAddress); err != nil {
		errs = append(errs, fmt.Sprintf("relay.data_address: %v", err))
	}
	if err := validateAddress(c.Relay.AdminAddress); err != nil {
		errs = append(errs, fmt.Sprintf("relay.admin_address: %v", err))
	}
	if c.Relay.DataAddress != "" && c.Relay.DataAddress == c.Relay.AdminAddress {
		errs = append(errs, "relay.data_address and relay.admin_address must differ")
	}
	if !isValidLogLevel(c.Relay.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Relay.LogLevel))
	}
	if !isValidLogFormat(c.Relay.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Relay.LogFormat))
	}

	if _, err := ParseSize(c.Socket.ReadBuffer); err != nil {
		errs = append(errs, fmt.Sprintf("socket.read_buffer: %v", err))
	}
	if _, err := ParseSize(c.Socket.WriteBuffer); err != nil {
		errs = append(errs, fmt.Sprintf("socket.write_buffer: %v", err))
	}

	if size, err := ParseSize(c.Mirror.MaxDatagramSize); err != nil {
		errs = append(errs, fmt.Sprintf("mirror.max_datagram_size: %v", err))
	} else if size < 1 || size > 64*1024 {
		errs = append(errs, "mirror.max_datagram_size must be between 1B and 64KiB")
	}
	if c.Mirror.SendTimeout < 0 {
		errs = append(errs, "mirror.send_timeout must not be negative")
	}
	if c.Mirror.TOS < 0 || c.Mirror.TOS > 255 {
		errs = append(errs, "mirror.tos must be between 0 and 255")
	}
	if c.Mirror.FailureLogRate < 0 {
		errs = append(errs, "mirror.failure_log_rate must not be negative")
	}
	if c.Mirror.FailureLogBurst < 0 {
		errs = append(errs, "mirror.failure_log_burst must not be negative")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address is required")
	}
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
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

// ParseSize parses a human-readable size such as "64KiB" or "4MB" into bytes.
// An empty string parses as 0.
func ParseSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}
	if bytes > 1<<31-1 {
		return 0, fmt.Errorf("size '%s' is too large", s)
	}
	return int(bytes), nil
}

// ReadBufferBytes returns socket.read_buffer in bytes. Call after Validate.
func (c *Config) ReadBufferBytes() int {
	n, _ := ParseSize(c.Socket.ReadBuffer)
	return n
}

// WriteBufferBytes returns socket.write_buffer in bytes. Call after Validate.
func (c *Config) WriteBufferBytes() int {
	n, _ := ParseSize(c.Socket.WriteBuffer)
	return n
}

// MaxDatagramBytes returns mirror.max_datagram_size in bytes. Call after Validate.
func (c *Config) MaxDatagramBytes() int {
	n, _ := ParseSize(c.Mirror.MaxDatagramSize)
	return n
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
