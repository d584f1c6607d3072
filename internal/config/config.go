// Package config loads hank-sync settings from an optional YAML file and
// environment variables. Command-line flags override both and are applied
// by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v2"
)

const (
	// FileName is the config file inside Dir.
	FileName = "config.yaml"

	envPrefix = "HANKSYNC_"
)

// Config holds all settings.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig holds server settings.
type ServerConfig struct {
	Root        string        `yaml:"root"`
	Bind        string        `yaml:"bind"`
	AuditLog    string        `yaml:"audit_log,omitempty"` // empty means <root>/audit.jsonl
	MetricsAddr string        `yaml:"metrics_addr,omitempty"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// ClientConfig holds client settings.
type ClientConfig struct {
	DefaultServer string `yaml:"default_server"`
	// Pin is a server certificate fingerprint; empty trusts any server.
	Pin string `yaml:"pin,omitempty"`
}

// LogConfig selects the diagnostic log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format,omitempty"` // empty picks per command
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Root:        "/backup/incoming",
			Bind:        "0.0.0.0:4433",
			IdleTimeout: 60 * time.Second,
		},
		Client: ClientConfig{
			DefaultServer: "127.0.0.1:4433",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Dir returns the per-user config directory. HANKSYNC_CONFIG_DIR
// overrides the platform default.
func Dir() (string, error) {
	if d := os.Getenv(envPrefix + "CONFIG_DIR"); d != "" {
		return d, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}
	return filepath.Join(base, "hank-sync"), nil
}

// Load reads path, or <Dir>/config.yaml when path is empty, and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Root = envOr("ROOT", c.Server.Root)
	c.Server.Bind = envOr("BIND", c.Server.Bind)
	c.Server.AuditLog = envOr("AUDIT_LOG", c.Server.AuditLog)
	c.Server.MetricsAddr = envOr("METRICS_ADDR", c.Server.MetricsAddr)
	c.Server.IdleTimeout = envDuration("IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Client.DefaultServer = envOr("SERVER", c.Client.DefaultServer)
	c.Client.Pin = envOr("PIN", c.Client.Pin)
	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("LOG_FORMAT", c.Log.Format)
}

// ResolveServer returns override when set, else the configured default.
func (c *Config) ResolveServer(override string) string {
	if override != "" {
		return override
	}
	return c.Client.DefaultServer
}

// AuditLogPath returns the audit log location for the server.
func (c *Config) AuditLogPath() string {
	if c.Server.AuditLog != "" {
		return c.Server.AuditLog
	}
	return filepath.Join(c.Server.Root, "audit.jsonl")
}

// Init writes the default config into dir (Dir when empty). An existing
// file is left untouched and created reports false.
func Init(dir string) (path string, created bool, err error) {
	if dir == "" {
		if dir, err = Dir(); err != nil {
			return "", false, err
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, fmt.Errorf("create config dir: %w", err)
	}

	path = filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return path, false, nil
		}
		return "", false, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", false, fmt.Errorf("write %s: %w", path, err)
	}
	return path, true, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

// envDuration accepts Go duration strings or plain seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if s, err := strconv.Atoi(v); err == nil {
		return time.Duration(s) * time.Second
	}
	return fallback
}
