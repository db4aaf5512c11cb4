// Package config loads the warren configuration from config.yaml under the
// home directory, with environment-variable overrides for the settings the
// scheduler core recognizes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-warren/internal/otel"
)

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type WebchatConfig struct {
	BindAddr string `yaml:"bind_addr"`
	Enabled  bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Webchat  WebchatConfig  `yaml:"webchat"`
}

type ContainerConfig struct {
	Image        string `yaml:"image"`
	MemoryMB     int64  `yaml:"memory_mb"`
	NetworkMode  string `yaml:"network_mode"`
	FirstOutputS int    `yaml:"first_output_timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DataDir is the root for the per-group IPC layout. Defaults to
	// <HomeDir>/data.
	DataDir string `yaml:"data_dir"`

	// MaxConcurrentContainers caps active containers across all groups and
	// both lanes. Minimum 1.
	MaxConcurrentContainers int `yaml:"max_concurrent_containers"`

	// SchedulerPollIntervalMs is the task-scheduler tick in milliseconds.
	SchedulerPollIntervalMs int `yaml:"scheduler_poll_interval_ms"`

	// IdleTimeoutMs is consumed by the container runtime: a container that
	// produces no output for this long is considered done.
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`

	// Timezone is the IANA zone used to evaluate cron expressions.
	Timezone string `yaml:"timezone"`

	// MainGroupFolder names the group folder whose tasks run with isMain=true.
	MainGroupFolder string `yaml:"main_group_folder"`

	AssistantName string `yaml:"assistant_name"`
	LogLevel      string `yaml:"log_level"`

	Channels  ChannelsConfig  `yaml:"channels"`
	Container ContainerConfig `yaml:"container"`
	Otel      otel.Config     `yaml:"otel"`
}

// HomeDir resolves the warren home directory: $GOWARREN_HOME or ~/.gowarren.
func HomeDir() string {
	if dir := strings.TrimSpace(os.Getenv("GOWARREN_HOME")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gowarren")
}

// Load reads config.yaml from the home directory, fills defaults, and applies
// environment overrides. A missing file yields the defaults.
func Load() (*Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, used by tests.
func LoadFrom(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("MAX_CONCURRENT_CONTAINERS"); ok {
		cfg.MaxConcurrentContainers = v
	}
	if v, ok := envInt("SCHEDULER_POLL_INTERVAL"); ok {
		cfg.SchedulerPollIntervalMs = v
	}
	if v, ok := envInt("IDLE_TIMEOUT"); ok {
		cfg.IdleTimeoutMs = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("MAIN_GROUP_FOLDER"); v != "" {
		cfg.MainGroupFolder = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.MaxConcurrentContainers <= 0 {
		cfg.MaxConcurrentContainers = 3
	}
	if cfg.SchedulerPollIntervalMs <= 0 {
		cfg.SchedulerPollIntervalMs = 60_000
	}
	if cfg.IdleTimeoutMs <= 0 {
		cfg.IdleTimeoutMs = 180_000
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.MainGroupFolder == "" {
		cfg.MainGroupFolder = "main"
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Andy"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Container.Image == "" {
		cfg.Container.Image = "warren-agent:latest"
	}
	if cfg.Container.MemoryMB <= 0 {
		cfg.Container.MemoryMB = 1024
	}
	if cfg.Container.NetworkMode == "" {
		cfg.Container.NetworkMode = "bridge"
	}
	if cfg.Container.FirstOutputS <= 0 {
		cfg.Container.FirstOutputS = 60
	}
	if cfg.Channels.Webchat.BindAddr == "" {
		cfg.Channels.Webchat.BindAddr = "127.0.0.1:8787"
	}
}

func (c *Config) validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// SchedulerPollInterval returns the poll tick as a duration.
func (c *Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.SchedulerPollIntervalMs) * time.Millisecond
}

// IdleTimeout returns the container idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// Location resolves the configured timezone. validate() guarantees success.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
