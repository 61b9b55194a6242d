// Package config loads the compose YAML configuration.
//
// Values may reference environment variables (${VAR} or $VAR); unknown
// keys are rejected. Command-line flags override file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file looked up in the working directory.
const DefaultFile = "compose.yaml"

// Config is the compose configuration.
type Config struct {
	Database        string        `yaml:"database"`         // SQLite event log + snapshots
	CacheDir        string        `yaml:"cache_dir"`        // Pebble local cache
	Manifests       string        `yaml:"manifests"`        // CUE channel manifests
	Remote          string        `yaml:"remote"`           // ws:// URL of a compose server; replaces database
	Listen          string        `yaml:"listen"`           // serve address
	BaselineTimeout time.Duration `yaml:"baseline_timeout"` // 0 waits forever
	BaselineRetries int           `yaml:"baseline_retries"`
	Transport       Transport     `yaml:"transport"`
	PollInterval    time.Duration `yaml:"poll_interval"` // cross-process subscription polling
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
}

// Transport configures append and query retries.
type Transport struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Database:  "./compose.db",
		CacheDir:  "./.compose-cache",
		Manifests: "./channels",
		Listen:    "127.0.0.1:7420",
		Transport: Transport{
			MaxRetries:      3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		PollInterval: 250 * time.Millisecond,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Load reads path. A missing file yields the defaults when optional is
// true.
func Load(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration on top of the defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error

	if c.Remote == "" && c.Database == "" {
		errs = append(errs, errors.New("database is required when remote is not set"))
	}
	if c.Remote != "" && !strings.HasPrefix(c.Remote, "ws://") && !strings.HasPrefix(c.Remote, "wss://") {
		errs = append(errs, fmt.Errorf("remote %q must be a ws:// or wss:// URL", c.Remote))
	}
	if c.BaselineTimeout < 0 {
		errs = append(errs, errors.New("baseline_timeout must not be negative"))
	}
	if c.BaselineRetries < 0 {
		errs = append(errs, errors.New("baseline_retries must not be negative"))
	}
	if c.Transport.MaxRetries < 0 {
		errs = append(errs, errors.New("transport.max_retries must not be negative"))
	}
	if c.Transport.InitialInterval <= 0 {
		errs = append(errs, errors.New("transport.initial_interval must be positive"))
	}
	if c.Transport.MaxInterval < c.Transport.InitialInterval {
		errs = append(errs, errors.New("transport.max_interval must not be less than initial_interval"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a log_level string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q must be debug, info, warn or error", s)
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
