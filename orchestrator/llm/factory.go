// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package llm

import (
	"fmt"
	"sync"
	"time"
)

// BackendConfig is the process-level configuration for a completion backend.
// Per-request material (API key, model) travels in the Credential instead.
type BackendConfig struct {
	// Type identifies the backend implementation to use.
	Type BackendType `yaml:"type"`

	// BaseURL overrides the backend's default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// TokenURL is the token-exchange endpoint for backends that require a
	// bearer token per call (TGI). Ignored by the others.
	TokenURL string `yaml:"token_url,omitempty"`

	// Region is the cloud region (Bedrock).
	Region string `yaml:"region,omitempty"`

	// RedisAddr, when set, backs the bearer-token cache with Redis instead
	// of process memory.
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// Timeout bounds each outbound HTTP call (0 = backend default).
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// StubDelay is the simulated network latency of the stub backend.
	StubDelay time.Duration `yaml:"stub_delay,omitempty"`

	// StubReply is the canned answer text of the stub backend.
	StubReply string `yaml:"stub_reply,omitempty"`
}

// Factory creates a Provider instance from configuration.
// Factories should validate the config and return an error if invalid.
type Factory func(config BackendConfig) (Provider, error)

// factoryRegistry holds registered backend factories.
// Thread-safe for concurrent access.
type factoryRegistry struct {
	factories map[BackendType]Factory
	mu        sync.RWMutex
}

// globalRegistry is the default factory registry.
var globalRegistry = &factoryRegistry{
	factories: make(map[BackendType]Factory),
}

// RegisterFactory registers a factory function for a backend type.
// Called during package init() to register built-in backends; a factory
// already registered for the type is overwritten.
func RegisterFactory(backendType BackendType, factory Factory) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.factories[backendType] = factory
}

// GetFactory returns the factory for a backend type, or nil if not registered.
func GetFactory(backendType BackendType) Factory {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	return globalRegistry.factories[backendType]
}

// ListFactories returns all registered backend types.
func ListFactories() []BackendType {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	types := make([]BackendType, 0, len(globalRegistry.factories))
	for bt := range globalRegistry.factories {
		types = append(types, bt)
	}
	return types
}

// CreateProvider creates a provider using the registered factory.
// Returns an error if no factory is registered for the backend type.
func CreateProvider(config BackendConfig) (Provider, error) {
	if config.Type == "" {
		return nil, &FactoryError{
			BackendType: "",
			Code:        ErrFactoryMissingType,
			Message:     "backend type is required",
		}
	}

	factory := GetFactory(config.Type)
	if factory == nil {
		return nil, &FactoryError{
			BackendType: config.Type,
			Code:        ErrFactoryNotRegistered,
			Message:     fmt.Sprintf("no factory registered for backend type %q", config.Type),
		}
	}

	provider, err := factory(config)
	if err != nil {
		return nil, &FactoryError{
			BackendType: config.Type,
			Code:        ErrFactoryCreationFailed,
			Message:     fmt.Sprintf("failed to create provider: %v", err),
			Cause:       err,
		}
	}

	return provider, nil
}

// FactoryError represents an error during backend factory operations.
type FactoryError struct {
	BackendType BackendType
	Code        string
	Message     string
	Cause       error
}

// Factory error codes.
const (
	// ErrFactoryNotRegistered indicates no factory is registered for the type.
	ErrFactoryNotRegistered = "factory_not_registered"

	// ErrFactoryMissingType indicates the backend type was not specified.
	ErrFactoryMissingType = "factory_missing_type"

	// ErrFactoryCreationFailed indicates the factory returned an error.
	ErrFactoryCreationFailed = "factory_creation_failed"

	// ErrFactoryInvalidConfig indicates the configuration is invalid.
	ErrFactoryInvalidConfig = "factory_invalid_config"
)

// Error implements the error interface.
func (e *FactoryError) Error() string {
	if e.BackendType != "" {
		return fmt.Sprintf("factory error for %q: %s", e.BackendType, e.Message)
	}
	return fmt.Sprintf("factory error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *FactoryError) Unwrap() error {
	return e.Cause
}
