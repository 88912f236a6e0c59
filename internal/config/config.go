// ABOUTME: Configuration loading and parsing for jarvis-dispatcher
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete jarvis-dispatcher configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Agent     AgentConfig     `yaml:"agent"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds the external reasoning agent CLI configuration
type AgentConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	WorkingDir string   `yaml:"working_dir"`
	MCPConfig  string   `yaml:"mcp_config"`
	MaxTurns   string   `yaml:"max_turns"`
	MaxBudget  string   `yaml:"max_budget"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DispatchConfig bounds concurrent agent invocations
type DispatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	QueueDepth    int `yaml:"queue_depth"`
}

// MonitorConfig holds the proactive monitoring scheduler configuration
type MonitorConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ChecksFile string        `yaml:"checks_file"`
	Checks     []CheckConfig `yaml:"checks"`

	TickInterval  time.Duration `yaml:"-"`
	InitialDelay  time.Duration `yaml:"-"`
	SilenceWindow time.Duration `yaml:"-"`

	TickIntervalRaw  string `yaml:"tick_interval"`
	InitialDelayRaw  string `yaml:"initial_delay"`
	SilenceWindowRaw string `yaml:"silence_window"`
}

// CheckConfig overrides a monitoring check by name.
// A check named here but absent from the builtin registry is added as-is.
type CheckConfig struct {
	Name    string `yaml:"name"`
	Prompt  string `yaml:"prompt"`
	Enabled *bool  `yaml:"enabled"`

	Interval    time.Duration `yaml:"-"`
	IntervalRaw string        `yaml:"interval"`
}

// ChannelsConfig holds configuration for all channel adapters
type ChannelsConfig struct {
	Matrix   MatrixConfig   `yaml:"matrix"`
	Synology SynologyConfig `yaml:"synology"`
}

// MatrixConfig holds Matrix channel configuration
type MatrixConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Homeserver      string   `yaml:"homeserver"`
	UserID          string   `yaml:"user_id"`
	AccessToken     string   `yaml:"access_token"`
	AllowedRooms    []string `yaml:"allowed_rooms"`
	CommandPrefix   string   `yaml:"command_prefix"`
	TypingIndicator bool     `yaml:"typing_indicator"`
}

// SynologyConfig holds Synology Chat webhook channel configuration
type SynologyConfig struct {
	Enabled bool `yaml:"enabled"`
	// WebhookURL is the incoming webhook used for proactive messages
	WebhookURL string `yaml:"webhook_url"`
	// Token validates outgoing webhooks posted by Synology Chat
	Token string `yaml:"token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are unset.
const (
	DefaultAgentCommand  = "claude"
	DefaultAgentTimeout  = 5 * time.Minute
	DefaultMaxConcurrent = 2
	DefaultQueueDepth    = 16
	DefaultTickInterval  = time.Minute
	DefaultInitialDelay  = time.Minute
	DefaultSilenceWindow = time.Hour
)

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

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// finalize parses durations, applies defaults, and validates.
func (c *Config) finalize() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}

	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Agent.Command == "" {
		c.Agent.Command = DefaultAgentCommand
	}
	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = DefaultAgentTimeout
	}
	if c.Dispatch.MaxConcurrent <= 0 {
		c.Dispatch.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Dispatch.QueueDepth <= 0 {
		c.Dispatch.QueueDepth = DefaultQueueDepth
	}
	if c.Monitor.TickInterval <= 0 {
		c.Monitor.TickInterval = DefaultTickInterval
	}
	if c.Monitor.InitialDelay <= 0 {
		c.Monitor.InitialDelay = DefaultInitialDelay
	}
	if c.Monitor.SilenceWindow <= 0 {
		c.Monitor.SilenceWindow = DefaultSilenceWindow
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Channels.Matrix.Enabled {
		if c.Channels.Matrix.Homeserver == "" {
			return fmt.Errorf("channels.matrix.homeserver is required when matrix is enabled")
		}
		if c.Channels.Matrix.UserID == "" {
			return fmt.Errorf("channels.matrix.user_id is required when matrix is enabled")
		}
		if c.Channels.Matrix.AccessToken == "" {
			return fmt.Errorf("channels.matrix.access_token is required when matrix is enabled")
		}
	}

	if c.Channels.Synology.Enabled && c.Channels.Synology.WebhookURL == "" {
		return fmt.Errorf("channels.synology.webhook_url is required when synology is enabled")
	}

	for i, check := range c.Monitor.Checks {
		if check.Name == "" {
			return fmt.Errorf("monitor.checks[%d].name is required", i)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Agent.TimeoutRaw, &cfg.Agent.Timeout, "agent.timeout"},
		{cfg.Monitor.TickIntervalRaw, &cfg.Monitor.TickInterval, "monitor.tick_interval"},
		{cfg.Monitor.InitialDelayRaw, &cfg.Monitor.InitialDelay, "monitor.initial_delay"},
		{cfg.Monitor.SilenceWindowRaw, &cfg.Monitor.SilenceWindow, "monitor.silence_window"},
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

	for i := range cfg.Monitor.Checks {
		check := &cfg.Monitor.Checks[i]
		if check.IntervalRaw == "" {
			continue
		}
		d, err := time.ParseDuration(check.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing monitor.checks[%d].interval %q: %w", i, check.IntervalRaw, err)
		}
		check.Interval = d
	}

	return nil
}

// Default returns a Config with all defaults applied, suitable for tests
// and for `jarvis-dispatcher init` scaffolding.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Database: DatabaseConfig{Path: "jarvis.db"},
	}
	cfg.applyDefaults()
	return cfg
}
