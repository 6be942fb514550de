// Package config loads the monitor configuration from config.yaml under
// the clawmon home directory, applies environment overrides, and exposes
// the agent roster used to decorate raw agent ids.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	otelx "github.com/basket/clawmon/internal/otel"
)

// AgentEntry decorates a raw agent id with display metadata and plan
// limits. Agents not listed here still appear; they just render with
// their raw id and no limits.
type AgentEntry struct {
	AgentID       string `yaml:"agent_id" json:"agent_id"`
	DisplayName   string `yaml:"display_name" json:"display_name,omitempty"`
	Color         string `yaml:"color" json:"color,omitempty"`
	Plan          string `yaml:"plan" json:"plan,omitempty"`
	MsgsLimit5h   int    `yaml:"msgs_limit_5h" json:"msgs_limit_5h,omitempty"`
	MsgsLimitWeek int    `yaml:"msgs_limit_week" json:"msgs_limit_week,omitempty"`
	// ConfigDir is where the agent's settings.json lives, for hook
	// injection. Empty means ~/.claude.
	ConfigDir string `yaml:"config_dir" json:"config_dir,omitempty"`
}

// LivenessConfig tunes the staleness sweep.
type LivenessConfig struct {
	IntervalSeconds  int `yaml:"interval_seconds"`
	ThresholdSeconds int `yaml:"threshold_seconds"`
}

// DigestConfig tunes the scheduled usage digest.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// TelegramConfig configures the Telegram alert channel.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

// ChannelsConfig groups the alert channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Liveness LivenessConfig `yaml:"liveness"`
	Digest   DigestConfig   `yaml:"digest"`
	Channels ChannelsConfig `yaml:"channels"`
	OTel     otelx.Config   `yaml:"otel"`

	Agents []AgentEntry `yaml:"agents"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:7777",
		LogLevel: "info",
		Liveness: LivenessConfig{
			IntervalSeconds:  15,
			ThresholdSeconds: 60,
		},
		Digest: DigestConfig{
			Cron: "0 9 * * *",
		},
	}
}

// HomeDir returns the clawmon home directory, honoring CLAWMON_HOME.
func HomeDir() string {
	if override := os.Getenv("CLAWMON_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawmon")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the clawmon home, creating the home
// directory if needed. A missing config file is not an error; defaults
// apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawmon home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:7777"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "monitor.db")
	}
	if cfg.Liveness.IntervalSeconds <= 0 {
		cfg.Liveness.IntervalSeconds = 15
	}
	if cfg.Liveness.ThresholdSeconds <= 0 {
		cfg.Liveness.ThresholdSeconds = 60
	}
	if strings.TrimSpace(cfg.Digest.Cron) == "" {
		cfg.Digest.Cron = "0 9 * * *"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWMON_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWMON_PORT"); raw != "" {
		if _, err := strconv.Atoi(raw); err == nil {
			host := cfg.BindAddr
			if i := strings.LastIndex(host, ":"); i >= 0 {
				host = host[:i]
			}
			cfg.BindAddr = host + ":" + raw
		}
	}
	if raw := os.Getenv("CLAWMON_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWMON_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLAWMON_TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// AgentByID returns the roster entry for the given agent id.
func (c Config) AgentByID(agentID string) (AgentEntry, bool) {
	for _, a := range c.Agents {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return AgentEntry{}, false
}

// Sanitized returns a copy safe to expose over HTTP: secrets blanked.
func (c Config) Sanitized() Config {
	out := c
	if out.Channels.Telegram.Token != "" {
		out.Channels.Telegram.Token = "[REDACTED]"
	}
	return out
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|sweep=%d/%d|digest=%s|agents=%d",
		c.BindAddr, c.LogLevel, c.DBPath,
		c.Liveness.IntervalSeconds, c.Liveness.ThresholdSeconds,
		c.Digest.Cron, len(c.Agents))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
