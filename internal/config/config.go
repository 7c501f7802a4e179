package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable of the server and its sessions.
type Config struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	// AgentBinary is the coding agent launched inside each PTY.
	AgentBinary string   `yaml:"agent_binary"`
	AgentArgs   []string `yaml:"agent_args"`

	HooksDir           string        `yaml:"hooks_dir"`
	ReplayBufferBytes  int           `yaml:"replay_buffer_bytes"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	ReconcileGrace     time.Duration `yaml:"reconcile_grace"`
	ActivityDebounce   time.Duration `yaml:"activity_debounce"`
	QuietPeriod        time.Duration `yaml:"quiet_period"`

	Dev      bool   `yaml:"dev"`
	LogLevel string `yaml:"log_level"`
}

const (
	DefaultPort              = 6789
	DefaultReplayBufferBytes = 2 << 20
)

// Default returns the configuration used when nothing else is set.
func Default(rt *RuntimeConfig) *Config {
	host := "127.0.0.1"
	if rt.ListenAll {
		host = "0.0.0.0"
	}
	return &Config{
		Host:               host,
		Port:               DefaultPort,
		DataDir:            filepath.Join(rt.StateDir, "data"),
		AgentBinary:        "claude",
		HooksDir:           filepath.Join(rt.TempDir, "ccui-hooks"),
		ReplayBufferBytes:  DefaultReplayBufferBytes,
		SessionIdleTimeout: 10 * time.Minute,
		ReconcileInterval:  5 * time.Second,
		ReconcileGrace:     15 * time.Second,
		ActivityDebounce:   2 * time.Second,
		QuietPeriod:        3 * time.Second,
		LogLevel:           "info",
	}
}

// DefaultPath is the config file consulted when --config is not given.
func DefaultPath(rt *RuntimeConfig) string {
	return filepath.Join(rt.StateDir, "config.yaml")
}

// Load layers defaults, the YAML file at path (if present) and CCUI_*
// environment variables, in that order.
func Load(rt *RuntimeConfig, path string) (*Config, error) {
	cfg := Default(rt)

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CCUI_HOST"); ok && v != "" {
		c.Host = v
	}
	if v, ok := lookup("CCUI_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CCUI_PORT: %w", err)
		}
		c.Port = port
	}
	if v, ok := lookup("CCUI_DATA_DIR"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup("CCUI_AGENT_BINARY"); ok && v != "" {
		c.AgentBinary = v
	}
	if v, ok := lookup("CCUI_AGENT_ARGS"); ok && v != "" {
		c.AgentArgs = strings.Fields(v)
	}
	if v, ok := lookup("CCUI_DEV"); ok && v != "" {
		c.Dev = v == "true" || v == "1"
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DataDir == "" {
		return errors.New("data dir must be set")
	}
	if c.AgentBinary == "" {
		return errors.New("agent binary must be set")
	}
	if c.ReplayBufferBytes <= 0 {
		c.ReplayBufferBytes = DefaultReplayBufferBytes
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
