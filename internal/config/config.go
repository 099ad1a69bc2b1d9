// Package config provides configuration parsing and validation for the
// dgram command.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/dgram/internal/address"
	"github.com/postalsys/dgram/internal/logging"
	"github.com/postalsys/dgram/internal/udp"
)

// Config represents the complete configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Socket    SocketConfig     `yaml:"socket"`
	Listeners []EndpointConfig `yaml:"listeners"`
	Dialers   []EndpointConfig `yaml:"dialers"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SocketConfig holds the socket-wide option defaults inherited by every
// endpoint.
type SocketConfig struct {
	RecvMaxSize Size          `yaml:"recv_max_size"`
	CopyMax     Size          `yaml:"copy_max"`
	RecvTimeout time.Duration `yaml:"recv_timeout"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	Buffer      Size          `yaml:"buffer"`
}

// EndpointConfig defines one listener or dialer. Unset overrides inherit
// from the socket section.
type EndpointConfig struct {
	Name        string         `yaml:"name,omitempty"`
	URL         string         `yaml:"url"`
	LocalAddr   string         `yaml:"local_addr,omitempty"`
	RecvMaxSize *Size          `yaml:"recv_max_size,omitempty"`
	CopyMax     *Size          `yaml:"copy_max,omitempty"`
	RecvTimeout *time.Duration `yaml:"recv_timeout,omitempty"`
	SendTimeout *time.Duration `yaml:"send_timeout,omitempty"`
}

// MetricsConfig defines the HTTP metrics and health server.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Size is a byte count that accepts human-readable values such as "64KiB"
// or "1500".
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := humanize.ParseBytes(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// String returns the size in IEC units.
func (s Size) String() string {
	if s < 0 {
		return fmt.Sprintf("%d B", int64(s))
	}
	return humanize.IBytes(uint64(s))
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatAuto,
		},
		Socket: SocketConfig{
			RecvMaxSize: 0,
			CopyMax:     udp.DefaultCopyMax,
		},
		Listeners: []EndpointConfig{},
		Dialers:   []EndpointConfig{},
		Metrics: MetricsConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9464",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
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

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
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
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
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

	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text, json, or auto)", c.Log.Format))
	}

	if err := c.Socket.UDP().Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("socket: %v", err))
	}

	names := make(map[string]string)
	checkName := func(section string, i int, name string) {
		if name == "" {
			return
		}
		where := fmt.Sprintf("%s[%d]", section, i)
		if prev, dup := names[name]; dup {
			errs = append(errs, fmt.Sprintf("%s: name %q already used by %s", where, name, prev))
			return
		}
		names[name] = where
	}

	for i, l := range c.Listeners {
		if err := validateEndpoint(l, false); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
		checkName("listeners", i, l.Name)
	}
	for i, d := range c.Dialers {
		if err := validateEndpoint(d, true); err != nil {
			errs = append(errs, fmt.Sprintf("dialers[%d]: %v", i, err))
		}
		checkName("dialers", i, d.Name)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogFormat(format string) bool {
	switch format {
	case logging.FormatText, logging.FormatJSON, logging.FormatAuto:
		return true
	default:
		return false
	}
}

func validateEndpoint(e EndpointConfig, dial bool) error {
	if e.URL == "" {
		return fmt.Errorf("url is required")
	}
	if _, err := address.Parse(e.URL); err != nil {
		return err
	}
	if e.LocalAddr != "" {
		if !dial {
			return fmt.Errorf("local_addr is only valid for dialers")
		}
		if _, err := address.Parse(e.LocalAddr); err != nil {
			return fmt.Errorf("local_addr: %w", err)
		}
	}

	// Range-check the overrides on a scratch scope.
	return e.Apply(udp.NewOptions(nil))
}

// UDP converts the socket section to transport option values.
func (s SocketConfig) UDP() udp.Config {
	return udp.Config{
		RecvMaxSize:  int(s.RecvMaxSize),
		CopyMax:      int(s.CopyMax),
		RecvTimeout:  s.RecvTimeout,
		SendTimeout:  s.SendTimeout,
		SocketBuffer: int(s.Buffer),
	}
}

// SocketOptions builds the root option scope shared by all endpoints.
func (c *Config) SocketOptions() (*udp.Options, error) {
	return udp.NewOptionsFromConfig(c.Socket.UDP())
}

// Apply sets the endpoint's overrides on its option scope.
func (e EndpointConfig) Apply(o *udp.Options) error {
	if e.RecvMaxSize != nil {
		if err := o.SetRecvMaxSize(int(*e.RecvMaxSize)); err != nil {
			return err
		}
	}
	if e.CopyMax != nil {
		if err := o.SetCopyMax(int(*e.CopyMax)); err != nil {
			return err
		}
	}
	if e.RecvTimeout != nil {
		if err := o.SetRecvTimeout(*e.RecvTimeout); err != nil {
			return err
		}
	}
	if e.SendTimeout != nil {
		if err := o.SetSendTimeout(*e.SendTimeout); err != nil {
			return err
		}
	}
	return nil
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
