// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package config loads the help-service configuration from an optional YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Database DatabaseConfig `yaml:"database"`
	System   SystemConfig   `yaml:"system"`
	AWS      AWSConfig      `yaml:"aws"`
}

// BackendConfig selects and tunes the completion backend. The backend type
// is fixed for the life of the process.
type BackendConfig struct {
	// Type is one of: openai, tgi, bedrock, stub.
	Type string `yaml:"type"`

	// BaseURL overrides the backend's default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// TokenURL is the token-exchange endpoint (tgi only).
	TokenURL string `yaml:"token_url,omitempty"`

	// RedisAddr backs the bearer-token cache with Redis when set.
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// TimeoutSeconds bounds each outbound call (0 = backend default).
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// StubDelayMS is the simulated latency of the stub backend.
	StubDelayMS int `yaml:"stub_delay_ms,omitempty"`

	// StubReply is the canned answer of the stub backend.
	StubReply string `yaml:"stub_reply,omitempty"`
}

// DatabaseConfig locates the Postgres database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// SystemConfig is the system credential used for personal-token callers and
// diagnostics.
type SystemConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// AWSConfig tunes the AWS integrations (Bedrock, Secrets Manager).
type AWSConfig struct {
	Region string `yaml:"region,omitempty"`

	// SecretsEnabled turns on Secrets Manager resolution for groups whose
	// key is stored as an ARN.
	SecretsEnabled bool `yaml:"secrets_enabled,omitempty"`
}

// Environment variable names. Each overrides the corresponding file value.
const (
	EnvBackendType    = "HELP_BACKEND"
	EnvBackendBaseURL = "HELP_BACKEND_BASE_URL"
	EnvTokenURL       = "HELP_TOKEN_URL"
	EnvRedisAddr      = "HELP_REDIS_ADDR"
	EnvTimeoutSeconds = "HELP_BACKEND_TIMEOUT_SECONDS"
	EnvDatabaseDSN    = "HELP_DATABASE_DSN"
	EnvSystemAPIKey   = "HELP_SYSTEM_API_KEY"
	EnvSystemModel    = "HELP_SYSTEM_MODEL"
	EnvAWSRegion      = "AWS_REGION"
)

// Default returns the default configuration.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Type: "openai",
		},
		System: SystemConfig{
			Model: "gpt-5-mini",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
	}
}

// Load reads configuration from path (empty path skips the file), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBackendType); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv(EnvBackendBaseURL); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv(EnvTokenURL); v != "" {
		c.Backend.TokenURL = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Backend.RedisAddr = v
	}
	if v := os.Getenv(EnvTimeoutSeconds); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Backend.TimeoutSeconds = secs
		}
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvSystemAPIKey); v != "" {
		c.System.APIKey = v
	}
	if v := os.Getenv(EnvSystemModel); v != "" {
		c.System.Model = v
	}
	if v := os.Getenv(EnvAWSRegion); v != "" {
		c.AWS.Region = v
	}
}

// Validate checks cross-field requirements that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "openai", "tgi", "bedrock", "stub":
	default:
		return fmt.Errorf("invalid backend type %q", c.Backend.Type)
	}
	if c.Backend.Type == "tgi" && c.Backend.TokenURL == "" {
		return fmt.Errorf("token_url is required for the tgi backend")
	}
	return nil
}
