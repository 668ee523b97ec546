package tzm

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SerialConfig holds configuration parameters for bridging a serial port to
// a Device.
type SerialConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	// Reply writes the report back to the port after every chunk that
	// contains a newline.
	Reply       bool          `yaml:"reply"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// WebsocketConfig configures the websocket host.
type WebsocketConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
	// AllowedOrigins lists browser origins accepted besides the server's
	// own host.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Config is the file-level configuration of a tzm daemon.
type Config struct {
	TickRate   uint64          `yaml:"tick_rate"`
	ReadPolicy string          `yaml:"read_policy"`
	LogLevel   string          `yaml:"log_level"`
	Serial     SerialConfig    `yaml:"serial"`
	Websocket  WebsocketConfig `yaml:"websocket"`
}

// DefaultConfig returns the default configuration. Neither host is enabled.
func DefaultConfig() *Config {
	return &Config{
		TickRate:   DefaultTickRate,
		ReadPolicy: ReadPeek.String(),
		LogLevel:   "info",
		Serial: SerialConfig{
			BaudRate: 115200,
			Reply:    true,
		},
		Websocket: WebsocketConfig{
			Path: "/tzm",
		},
	}
}

// LoadConfig reads a YAML file and overlays it on DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot use.
func (c *Config) Validate() error {
	if c.TickRate == 0 {
		return fmt.Errorf("tick_rate must be positive")
	}
	if c.TickRate > MaxTickRate {
		return fmt.Errorf("tick_rate %d exceeds %d", c.TickRate, MaxTickRate)
	}
	if _, err := ParseReadPolicy(c.ReadPolicy); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Serial.Device != "" {
		if _, ok := baudRates[c.Serial.BaudRate]; !ok {
			return fmt.Errorf("unsupported baud rate %d", c.Serial.BaudRate)
		}
	}
	return nil
}

// DeviceOptions converts the configuration into Device options. logger may
// be nil.
func (c *Config) DeviceOptions(logger *slog.Logger) ([]Option, error) {
	policy, err := ParseReadPolicy(c.ReadPolicy)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithClock(NewMonotonicClock(c.TickRate)),
		WithReadPolicy(policy),
	}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	return opts, nil
}

// ParseLogLevel maps debug, info, warn or error to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
