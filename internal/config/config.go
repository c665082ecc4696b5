// Package config handles loading and validating the chansockd server
// configuration from a YAML file.
//
// The config defines:
//   - Server bind address (host:port) and the channel socket endpoint path
//   - Channel tunables (buffer windows, watchdog interval, queue size)
//   - Audit trail location (empty = disabled)
//   - Log level
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level chansockd configuration. Loaded from YAML,
// with sensible defaults for fields that are not explicitly set.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Channel ChannelConfig `yaml:"channel"`
	Audit   AuditConfig   `yaml:"audit"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig defines where chansockd listens and where the channel
// socket endpoint is mounted.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ChannelConfig holds the channel socket tunables. These map directly
// onto the server endpoint options; zero values take the endpoint
// defaults, except recvBufSize, which validation requires to be
// positive.
type ChannelConfig struct {
	RecvBufSize   int `yaml:"recvBufSize"`
	SendBufMsWS   int `yaml:"sendBufMsWs"`
	SendBufMsAjax int `yaml:"sendBufMsAjax"`
	WSConnGCMs    int `yaml:"wsConnGcMs"`
	GraceMs       int `yaml:"graceMs"`
}

// AuditConfig controls the sqlite event audit trail. An empty path
// disables auditing.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name onto a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses the config from the given path. If the file
// doesn't exist, returns defaults (not an error). Invalid YAML or
// validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal for first runs and
			// for tests that only want the endpoint.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults returns a Config with all fields set to their defaults.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8844,
			Path: "/chsk",
		},
		Channel: ChannelConfig{
			RecvBufSize:   1000,
			SendBufMsWS:   30,
			SendBufMsAjax: 100,
			WSConnGCMs:    40000,
			GraceMs:       5000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		return fmt.Errorf("server.path %q must start with /", cfg.Server.Path)
	}
	if cfg.Channel.RecvBufSize < 1 {
		return fmt.Errorf("channel.recvBufSize must be positive")
	}
	if cfg.Channel.SendBufMsWS < 0 || cfg.Channel.SendBufMsAjax < 0 {
		return fmt.Errorf("channel send buffer windows must be non-negative")
	}
	if cfg.Channel.WSConnGCMs < 0 || cfg.Channel.GraceMs < 0 {
		return fmt.Errorf("channel.wsConnGcMs and channel.graceMs must be non-negative")
	}
	return nil
}
