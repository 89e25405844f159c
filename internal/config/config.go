// Package config loads the controller's config.yaml plus environment
// overrides: a YAML file for durable settings, CONTROLD_* env vars for
// deployment-time overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the controller's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, if set, is required as a Bearer token on admin-facing routes.
	// Empty disables auth — acceptable for a local/dev deployment,
	// never for one reachable off-box.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins restricts cross-origin websocket upgrades on /ws/agent.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	HeartbeatTimeoutSeconds     int `yaml:"heartbeat_timeout_seconds"`
	ConfigUpdateIntervalSeconds int `yaml:"config_update_interval_seconds"`
	PresenceReapIntervalSeconds int `yaml:"presence_reap_interval_seconds"`
	SchedulerTickSeconds        int `yaml:"scheduler_tick_seconds"`
	DrainTimeoutSeconds         int `yaml:"drain_timeout_seconds"`

	// RetentionCommLogDays is parsed from config.yaml, but no component
	// reads it: comm_log rows are never pruned.
	RetentionCommLogDays int `yaml:"retention_comm_log_days"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:                    "127.0.0.1:8780",
		LogLevel:                    "info",
		HeartbeatTimeoutSeconds:     int(90 * time.Second / time.Second),
		ConfigUpdateIntervalSeconds: int(600 * time.Second / time.Second),
		PresenceReapIntervalSeconds: int(30 * time.Second / time.Second),
		SchedulerTickSeconds:        int(10 * time.Second / time.Second),
		DrainTimeoutSeconds:         5,
		RetentionCommLogDays:        90,
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir returns the controller's state directory: CONTROLD_HOME if set,
// otherwise ~/.controld.
func HomeDir() string {
	if override := os.Getenv("CONTROLD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".controld")
}

// Load reads config.yaml (creating the home directory if needed), applies
// CONTROLD_* environment overrides, and normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create controld home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
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
		cfg.BindAddr = "127.0.0.1:8780"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "controller.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HeartbeatTimeoutSeconds <= 0 {
		cfg.HeartbeatTimeoutSeconds = 90
	}
	if cfg.ConfigUpdateIntervalSeconds <= 0 {
		cfg.ConfigUpdateIntervalSeconds = 600
	}
	if cfg.PresenceReapIntervalSeconds <= 0 {
		cfg.PresenceReapIntervalSeconds = 30
	}
	if cfg.SchedulerTickSeconds <= 0 {
		cfg.SchedulerTickSeconds = 10
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONTROLD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONTROLD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CONTROLD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONTROLD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CONTROLD_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = strings.Split(raw, ",")
	}
	if raw := os.Getenv("CONTROLD_HEARTBEAT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CONTROLD_SCHEDULER_TICK_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SchedulerTickSeconds = v
		}
	}
	if raw := os.Getenv("CONTROLD_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty
// map if the file doesn't exist — used by the targeted setters below so a
// round trip never clobbers unknown keys a human added by hand.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetAuthToken updates the admin auth token in config.yaml, preserving
// other settings.
func SetAuthToken(homeDir, token string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["auth_token"] = token
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config, useful for
// detecting drift between what a running controller loaded and what's on
// disk now.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|log=%s|heartbeat=%d|tick=%d|origins=%v",
		c.BindAddr, c.DBPath, c.LogLevel, c.HeartbeatTimeoutSeconds, c.SchedulerTickSeconds, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
