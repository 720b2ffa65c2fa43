// ABOUTME: Configuration loading and parsing for agenthub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agenthub configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Model    ModelConfig    `yaml:"model"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds outbound agent connection configuration
type AgentsConfig struct {
	// Endpoints lists agent websocket URLs the hub dials at startup.
	Endpoints []string `yaml:"endpoints"`

	DiscoveryInterval time.Duration `yaml:"-"`
	ReconnectDelay    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DiscoveryIntervalRaw string `yaml:"discovery_interval"`
	ReconnectDelayRaw    string `yaml:"reconnect_delay"`
}

// DispatchConfig holds tool dispatch retry configuration
type DispatchConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	BackoffBase        time.Duration `yaml:"-"`
	CorrelationTimeout time.Duration `yaml:"-"`

	BackoffBaseRaw        string `yaml:"backoff_base"`
	CorrelationTimeoutRaw string `yaml:"correlation_timeout"`
}

// ModelConfig holds language model configuration
type ModelConfig struct {
	Provider    string  `yaml:"provider"` // "openai" or "anthropic"
	Name        string  `yaml:"name"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TurnBudget  int     `yaml:"turn_budget"`
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
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
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	switch c.Model.Provider {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("model.provider must be \"openai\" or \"anthropic\", got %q", c.Model.Provider)
	}

	if c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch.max_attempts must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.DiscoveryIntervalRaw != "" {
		cfg.Agents.DiscoveryInterval, err = time.ParseDuration(cfg.Agents.DiscoveryIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing discovery_interval %q: %w", cfg.Agents.DiscoveryIntervalRaw, err)
		}
	}

	if cfg.Agents.ReconnectDelayRaw != "" {
		cfg.Agents.ReconnectDelay, err = time.ParseDuration(cfg.Agents.ReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_delay %q: %w", cfg.Agents.ReconnectDelayRaw, err)
		}
	}

	if cfg.Dispatch.BackoffBaseRaw != "" {
		cfg.Dispatch.BackoffBase, err = time.ParseDuration(cfg.Dispatch.BackoffBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing backoff_base %q: %w", cfg.Dispatch.BackoffBaseRaw, err)
		}
	}

	if cfg.Dispatch.CorrelationTimeoutRaw != "" {
		cfg.Dispatch.CorrelationTimeout, err = time.ParseDuration(cfg.Dispatch.CorrelationTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing correlation_timeout %q: %w", cfg.Dispatch.CorrelationTimeoutRaw, err)
		}
	}

	return nil
}
