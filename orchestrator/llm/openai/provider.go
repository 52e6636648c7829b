// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package openai provides a completion backend for OpenAI-compatible
// chat-completions APIs. It accepts structured role/content messages
// natively and authorizes with a static API key per call.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default completion-token budget.
	DefaultMaxTokens = 1000

	// DefaultTemperature matches the help-service prompt tuning.
	DefaultTemperature = 1.0
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements the chat-completions wire protocol.
type Provider struct {
	baseURL string
	timeout time.Duration
	client  HTTPClient
}

// Config contains configuration for the OpenAI backend.
type Config struct {
	BaseURL string        // Optional: API base URL (default: https://api.openai.com/v1)
	Timeout time.Duration // Optional: HTTP timeout (default: 120s)
}

// Message is one role-tagged prompt element.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	APIKey      string    // Per-request credential
	Model       string    // Target model
	Messages    []Message // Role-tagged prompt
	MaxTokens   int       // Completion-token budget (0 = default)
	Temperature float64   // Sampling temperature (negative = default)
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content string          // Extracted message text
	Model   string          // Model that served the request
	Raw     json.RawMessage // Verbatim response body
}

// NewProvider creates a new OpenAI backend instance.
func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Provider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Complete generates a completion for the given request.
func (p *Provider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := req.Temperature
	if temperature < 0 {
		temperature = DefaultTemperature
	}

	apiReq := map[string]any{
		"model":       req.Model,
		"messages":    req.Messages,
		"temperature": temperature,
	}
	// Older model families only accept the legacy parameter name.
	if strings.HasPrefix(req.Model, "gpt-3") {
		apiReq["max_tokens"] = maxTokens
	} else {
		apiReq["max_completion_tokens"] = maxTokens
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai API error: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	var apiResp chatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Type: "malformed_response", Message: string(body)}
	}

	content := ""
	if len(apiResp.Choices) > 0 {
		content = apiResp.Choices[0].Message.Content
	}

	model := apiResp.Model
	if model == "" {
		model = req.Model
	}

	return &CompletionResponse{
		Content: strings.TrimSpace(content),
		Model:   model,
		Raw:     json.RawMessage(body),
	}, nil
}

// parseAPIError parses an API error response.
func parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	apiErr := &APIError{StatusCode: statusCode, Body: string(body)}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Type = errResp.Error.Type
		apiErr.Code = errResp.Error.Code
		apiErr.Message = errResp.Error.Message
	} else {
		apiErr.Message = string(body)
	}
	return apiErr
}

// APIError represents an OpenAI API error.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai API error (status %d, type %s): %s", e.StatusCode, e.Type, e.Message)
}

// IsRateLimitError returns true if this is a rate limit or quota error.
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Type == "rate_limit_error" || e.Code == "rate_limit_exceeded"
}

// IsAuthError returns true if this is an authentication error.
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsTimeoutError returns true if the backend reported a timeout.
func (e *APIError) IsTimeoutError() bool {
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout
}

// IsBadRequestError returns true if the backend rejected the request shape.
func (e *APIError) IsBadRequestError() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
}

// IsContextLengthError returns true for the oversized-input sub-case.
func (e *APIError) IsContextLengthError() bool {
	return e.IsBadRequestError() &&
		(strings.Contains(e.Message, "maximum context length") || e.Code == "context_length_exceeded")
}

// IsMalformedResponse returns true if the reply could not be decoded.
func (e *APIError) IsMalformedResponse() bool {
	return e.Type == "malformed_response"
}

// SetHTTPClient sets a custom HTTP client for testing.
func (p *Provider) SetHTTPClient(client HTTPClient) {
	p.client = client
}

// Internal API types

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
