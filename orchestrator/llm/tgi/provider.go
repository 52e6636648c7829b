// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package tgi provides a completion backend for text-generation-inference
// deployments fronted by a bearer-token gateway. The backend accepts a
// single instruction-formatted prompt string; callers collapse structured
// messages before reaching this package. Every call obtains a fresh bearer
// token from its TokenSource.
package tgi

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
	// DefaultBaseURL is the default API gateway endpoint.
	DefaultBaseURL = "https://api.dartmouth.edu/api/ai"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxNewTokens bounds generated output length.
	DefaultMaxNewTokens = 500
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource yields a valid bearer token for a credential secret.
// The token cache implements this.
type TokenSource interface {
	Token(ctx context.Context, apiKey string) (string, error)
}

// Provider implements the TGI generate wire protocol.
type Provider struct {
	baseURL string
	timeout time.Duration
	client  HTTPClient
	tokens  TokenSource
}

// Config contains configuration for the TGI backend.
type Config struct {
	BaseURL string        // Optional: gateway base URL
	Timeout time.Duration // Optional: HTTP timeout (default: 120s)
	Tokens  TokenSource   // Required: bearer-token source
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	APIKey       string // Per-request credential, exchanged for a bearer token
	Model        string // Target model deployment
	Prompt       string // Instruction-formatted prompt
	MaxNewTokens int    // Output budget (0 = default)
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content string          // Extracted generated text
	Model   string          // Model deployment that served the request
	Raw     json.RawMessage // Verbatim response body
}

// NewProvider creates a new TGI backend instance.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("tgi token source is required")
	}
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
		tokens:  cfg.Tokens,
	}, nil
}

// Complete generates a completion for the given request.
func (p *Provider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("tgi prompt is required")
	}

	token, err := p.tokens.Token(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	maxNew := req.MaxNewTokens
	if maxNew <= 0 {
		maxNew = DefaultMaxNewTokens
	}

	apiReq := map[string]any{
		"inputs": req.Prompt,
		"parameters": map[string]any{
			"max_new_tokens":   maxNew,
			"return_full_text": false,
		},
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/tgi/%s/generate", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tgi API error: %w", err)
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

	var apiResp struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Type: "malformed_response", Message: string(body)}
	}

	return &CompletionResponse{
		Content: strings.TrimSpace(apiResp.GeneratedText),
		Model:   req.Model,
		Raw:     json.RawMessage(body),
	}, nil
}

// parseAPIError parses an API error response.
func parseAPIError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode, Body: string(body)}

	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
	} else {
		apiErr.Message = string(body)
	}
	return apiErr
}

// APIError represents a TGI gateway error.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tgi API error (status %d): %s", e.StatusCode, e.Message)
}

// IsRateLimitError returns true if this is a rate limit error.
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsAuthError returns true if this is an authentication error.
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsTimeoutError returns true if the gateway reported a timeout.
func (e *APIError) IsTimeoutError() bool {
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout
}

// IsBadRequestError returns true if the gateway rejected the request shape.
func (e *APIError) IsBadRequestError() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
}

// IsContextLengthError returns true for the oversized-input sub-case.
func (e *APIError) IsContextLengthError() bool {
	return e.IsBadRequestError() &&
		(strings.Contains(e.Message, "must have less than") || strings.Contains(e.Message, "exceeds the maximum"))
}

// IsMalformedResponse returns true if the reply could not be decoded.
func (e *APIError) IsMalformedResponse() bool {
	return e.Type == "malformed_response"
}

// SetHTTPClient sets a custom HTTP client for testing.
func (p *Provider) SetHTTPClient(client HTTPClient) {
	p.client = client
}
