// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  listen_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret"

agents:
  endpoints:
    - "ws://localhost:9001/ws"
    - "ws://localhost:9002/ws"
  discovery_interval: "1m"
  reconnect_delay: "5s"

dispatch:
  max_attempts: 5
  backoff_base: "1s"
  correlation_timeout: "30s"

model:
  provider: "anthropic"
  name: "claude-3-5-sonnet-20241022"
  api_key: "sk-test"
  temperature: 0.7
  max_tokens: 4096
  turn_budget: 5

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != "0.0.0.0:8080" {
		t.Errorf("Server.ListenAddr = %q, want %q", cfg.Server.ListenAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "test-secret")
	}
	if len(cfg.Agents.Endpoints) != 2 {
		t.Fatalf("len(Agents.Endpoints) = %d, want 2", len(cfg.Agents.Endpoints))
	}
	if cfg.Agents.Endpoints[0] != "ws://localhost:9001/ws" {
		t.Errorf("Agents.Endpoints[0] = %q", cfg.Agents.Endpoints[0])
	}
	if cfg.Agents.DiscoveryInterval != time.Minute {
		t.Errorf("Agents.DiscoveryInterval = %v, want 1m", cfg.Agents.DiscoveryInterval)
	}
	if cfg.Agents.ReconnectDelay != 5*time.Second {
		t.Errorf("Agents.ReconnectDelay = %v, want 5s", cfg.Agents.ReconnectDelay)
	}
	if cfg.Dispatch.MaxAttempts != 5 {
		t.Errorf("Dispatch.MaxAttempts = %d, want 5", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.BackoffBase != time.Second {
		t.Errorf("Dispatch.BackoffBase = %v, want 1s", cfg.Dispatch.BackoffBase)
	}
	if cfg.Dispatch.CorrelationTimeout != 30*time.Second {
		t.Errorf("Dispatch.CorrelationTimeout = %v, want 30s", cfg.Dispatch.CorrelationTimeout)
	}
	if cfg.Model.Provider != "anthropic" {
		t.Errorf("Model.Provider = %q, want %q", cfg.Model.Provider, "anthropic")
	}
	if cfg.Model.TurnBudget != 5 {
		t.Errorf("Model.TurnBudget = %d, want 5", cfg.Model.TurnBudget)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "expanded-secret")
	t.Setenv("TEST_API_KEY", "sk-expanded")

	configPath := writeConfig(t, `
server:
  listen_addr: ":8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "${TEST_JWT_SECRET}"

model:
  provider: "openai"
  api_key: "${TEST_API_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "expanded-secret")
	}
	if cfg.Model.APIKey != "sk-expanded" {
		t.Errorf("Model.APIKey = %q, want %q", cfg.Model.APIKey, "sk-expanded")
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	configPath := writeConfig(t, `
server:
  listen_addr: ":8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "secret"

model:
  api_key: "${DEFINITELY_NOT_SET_VAR_12345}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Model.APIKey != "" {
		t.Errorf("Model.APIKey = %q, want empty string", cfg.Model.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v, want wrap %q", err, "reading config file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "server: [not: valid: yaml")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %v, want wrap %q", err, "parsing config file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  listen_addr: ":8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "secret"

dispatch:
  backoff_base: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "backoff_base") {
		t.Errorf("error = %v, want mention of backoff_base", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{ListenAddr: ":8080"},
			Database: DatabaseConfig{Path: "./db"},
			Auth:     AuthConfig{JWTSecret: "secret"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing listen addr", func(c *Config) { c.Server.ListenAddr = "" }, "server.listen_addr"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret"},
		{"unknown provider", func(c *Config) { c.Model.Provider = "cohere" }, "model.provider"},
		{"negative attempts", func(c *Config) { c.Dispatch.MaxAttempts = -1 }, "max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
