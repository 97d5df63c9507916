// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Generation GenerationConfig `yaml:"generation"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Events     EventsConfig     `yaml:"events"`
	Logging    LoggingConfig    `yaml:"logging"`

	// AdaptersDir is the directory of per-adapter TOML records.
	AdaptersDir string `yaml:"adapters_dir"`
}

// ServerConfig holds listener address configuration
type ServerConfig struct {
	StatusAddr string `yaml:"status_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// GenerationConfig holds the generation backend connection settings
type GenerationConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	RequestTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// StreamingConfig tunes the streaming reply controller
type StreamingConfig struct {
	MinChunkSize   int `yaml:"min_chunk_size"`
	CreateAttempts int `yaml:"create_attempts"`

	// CardTemplateID selects the card template for streamed replies.
	CardTemplateID string `yaml:"card_template_id"`

	MaxDuration      time.Duration `yaml:"-"`
	MaxFlushInterval time.Duration `yaml:"-"`
	UpdateDelay      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MaxDurationRaw      string `yaml:"max_duration"`
	MaxFlushIntervalRaw string `yaml:"max_flush_interval"`
	UpdateDelayRaw      string `yaml:"update_delay"`
}

// DedupeConfig tunes the message dedup cache
type DedupeConfig struct {
	MaxSize int `yaml:"max_size"`

	TTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
}

// SupervisorConfig tunes the adapter health supervisor
type SupervisorConfig struct {
	MaxRestarts int `yaml:"max_restarts"`

	CheckInterval time.Duration `yaml:"-"`
	RestartWindow time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CheckIntervalRaw string `yaml:"check_interval"`
	RestartWindowRaw string `yaml:"restart_window"`
}

// EventsConfig tunes the internal event bus
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. If the environment variable is not set, it is replaced with
// an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Generation.BaseURL == "" {
		return fmt.Errorf("generation.base_url is required")
	}
	if c.Generation.APIKey == "" {
		return fmt.Errorf("generation.api_key is required")
	}

	// The status listener needs an address unless tsnet provides one
	if !c.Tailscale.Enabled && c.Server.StatusAddr == "" {
		return fmt.Errorf("server.status_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.AdaptersDir == "" {
		return fmt.Errorf("adapters_dir is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Generation.RequestTimeoutRaw, "generation.request_timeout", &cfg.Generation.RequestTimeout},
		{cfg.Streaming.MaxDurationRaw, "streaming.max_duration", &cfg.Streaming.MaxDuration},
		{cfg.Streaming.MaxFlushIntervalRaw, "streaming.max_flush_interval", &cfg.Streaming.MaxFlushInterval},
		{cfg.Streaming.UpdateDelayRaw, "streaming.update_delay", &cfg.Streaming.UpdateDelay},
		{cfg.Dedupe.TTLRaw, "dedupe.ttl", &cfg.Dedupe.TTL},
		{cfg.Supervisor.CheckIntervalRaw, "supervisor.check_interval", &cfg.Supervisor.CheckInterval},
		{cfg.Supervisor.RestartWindowRaw, "supervisor.restart_window", &cfg.Supervisor.RestartWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
