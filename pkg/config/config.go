// Package config loads the runtime configuration: a YAML file overlaid
// with SABLE_* environment variables. The loaded snapshot is immutable
// for the process lifetime; the engine and collaborators read it, never
// write it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration parses "30s"/"5m" strings from YAML and environment values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler (used by env parsing).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RuntimeConfig bounds the orchestration core.
type RuntimeConfig struct {
	// MaxConcurrentTasks caps simultaneously running tasks; 0 means
	// unbounded.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" env:"SABLE_MAX_CONCURRENT_TASKS"`

	// ShutdownGrace is how long running tasks get to finish on shutdown
	// before cancellation is signalled.
	ShutdownGrace Duration `yaml:"shutdown_grace" env:"SABLE_SHUTDOWN_GRACE"`

	// HealthInterval is the period of the engine's health probe.
	HealthInterval Duration `yaml:"health_interval" env:"SABLE_HEALTH_INTERVAL"`
}

// StorageConfig locates the audit database.
type StorageConfig struct {
	Path string `yaml:"path" env:"SABLE_STORAGE_PATH"`
}

// ProviderConfig holds credentials for one LLM provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	APIBase string `yaml:"api_base" env:"API_BASE"`
	Model   string `yaml:"model" env:"MODEL"`
}

// ProvidersConfig selects and configures LLM providers.
type ProvidersConfig struct {
	// Default names the provider used for task bodies: "anthropic" or
	// "openai".
	Default   string         `yaml:"default" env:"SABLE_PROVIDER"`
	Anthropic ProviderConfig `yaml:"anthropic" envPrefix:"SABLE_ANTHROPIC_"`
	OpenAI    ProviderConfig `yaml:"openai" envPrefix:"SABLE_OPENAI_"`
}

// ChannelConfig enables one messaging channel.
type ChannelConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Token   string `yaml:"token" env:"TOKEN"`
}

// ChannelsConfig configures the interface collaborators.
type ChannelsConfig struct {
	CLI      ChannelConfig `yaml:"cli" envPrefix:"SABLE_CLI_"`
	Discord  ChannelConfig `yaml:"discord" envPrefix:"SABLE_DISCORD_"`
	Telegram ChannelConfig `yaml:"telegram" envPrefix:"SABLE_TELEGRAM_"`
}

// GatewayConfig configures the local WebSocket status stream.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled" env:"SABLE_GATEWAY_ENABLED"`
	Addr    string `yaml:"addr" env:"SABLE_GATEWAY_ADDR"`
}

// CronJob is one scheduled trigger. The prompt is published as user input
// on the "cron" channel when the schedule fires.
type CronJob struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Prompt   string `yaml:"prompt"`
}

// Config is the process-wide configuration snapshot.
type Config struct {
	AgentName string `yaml:"agent_name" env:"SABLE_AGENT_NAME"`
	Workspace string `yaml:"workspace" env:"SABLE_WORKSPACE"`
	LogLevel  string `yaml:"log_level" env:"SABLE_LOG_LEVEL"`

	Runtime   RuntimeConfig   `yaml:"runtime"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Cron      []CronJob       `yaml:"cron"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	workspace := filepath.Join(home, ".sable")

	cfg := &Config{
		AgentName: "sable",
		Workspace: workspace,
		LogLevel:  "info",
	}
	cfg.Runtime.MaxConcurrentTasks = 4
	cfg.Runtime.ShutdownGrace = Duration(10 * time.Second)
	cfg.Runtime.HealthInterval = Duration(30 * time.Second)
	cfg.Storage.Path = filepath.Join(workspace, "sable.db")
	cfg.Providers.Default = "anthropic"
	cfg.Channels.CLI.Enabled = true
	cfg.Gateway.Addr = "127.0.0.1:8383"
	return cfg
}

// Load reads the YAML file (if present), applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Runtime.MaxConcurrentTasks < 0 {
		return fmt.Errorf("runtime.max_concurrent_tasks must be >= 0, got %d", c.Runtime.MaxConcurrentTasks)
	}
	if c.Runtime.ShutdownGrace < 0 {
		return fmt.Errorf("runtime.shutdown_grace must be >= 0")
	}
	if c.Runtime.HealthInterval.Std() <= 0 {
		return fmt.Errorf("runtime.health_interval must be > 0")
	}
	switch c.Providers.Default {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("providers.default must be anthropic or openai, got %q", c.Providers.Default)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	return nil
}
