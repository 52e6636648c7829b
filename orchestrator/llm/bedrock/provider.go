// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package bedrock provides a completion backend for AWS Bedrock managed
// models. Authentication is IAM-based through the AWS SDK, so no API key
// or bearer token is involved.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	// DefaultRegion is used when no region is configured.
	DefaultRegion = "us-east-1"

	// DefaultMaxTokens bounds generated output length.
	DefaultMaxTokens = 1000

	// anthropicVersion is the Bedrock messages-API version marker.
	anthropicVersion = "bedrock-2023-05-31"
)

// InvokeAPI is the subset of the Bedrock runtime client used here
// (enables testing).
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements completions over Bedrock InvokeModel.
type Provider struct {
	client InvokeAPI
	region string
}

// Config contains configuration for the Bedrock backend.
type Config struct {
	Region string // Optional: AWS region (default: us-east-1)
}

// Message is one role-tagged prompt element.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string    // Bedrock model identifier
	System      string    // Collapsed system instructions
	Messages    []Message // user/assistant turns
	MaxTokens   int       // Output budget (0 = default)
	Temperature float64   // Sampling temperature (negative = model default)
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content string          // Extracted text
	Model   string          // Model that served the request
	Raw     json.RawMessage // Verbatim response body
}

// NewProvider creates a Bedrock backend using the ambient AWS credential
// chain for the configured region.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: region,
	}, nil
}

// NewProviderFromClient wraps an existing Bedrock runtime client. Used in tests.
func NewProviderFromClient(client InvokeAPI, region string) *Provider {
	return &Provider{client: client, region: region}
}

// Complete generates a completion for the given request.
func (p *Provider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("bedrock model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	body := map[string]any{
		"anthropic_version": anthropicVersion,
		"max_tokens":        maxTokens,
		"messages":          req.Messages,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature >= 0 {
		body["temperature"] = req.Temperature
	}

	requestJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, classifyInvokeError(err)
	}

	var apiResp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(output.Body, &apiResp); err != nil {
		return nil, &APIError{Type: "malformed_response", Message: string(output.Body)}
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	model := apiResp.Model
	if model == "" {
		model = req.Model
	}

	return &CompletionResponse{
		Content: strings.TrimSpace(content.String()),
		Model:   model,
		Raw:     json.RawMessage(output.Body),
	}, nil
}

// classifyInvokeError maps SDK exception types onto the shared APIError shape.
func classifyInvokeError(err error) error {
	apiErr := &APIError{Message: err.Error(), Cause: err}

	var throttle *types.ThrottlingException
	var quota *types.ServiceQuotaExceededException
	var denied *types.AccessDeniedException
	var timeout *types.ModelTimeoutException
	var validation *types.ValidationException

	switch {
	case errors.As(err, &throttle), errors.As(err, &quota):
		apiErr.Type = "throttling"
	case errors.As(err, &denied):
		apiErr.Type = "access_denied"
	case errors.As(err, &timeout):
		apiErr.Type = "model_timeout"
	case errors.As(err, &validation):
		apiErr.Type = "validation"
	case errors.Is(err, context.DeadlineExceeded):
		apiErr.Type = "model_timeout"
	default:
		apiErr.Type = "service_error"
	}
	return apiErr
}

// APIError represents a Bedrock invocation error normalized from the SDK's
// exception types.
type APIError struct {
	Type    string
	Message string
	Cause   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bedrock API error (%s): %s", e.Type, e.Message)
}

// Unwrap returns the underlying SDK error.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// IsRateLimitError returns true if this is a throttling or quota error.
func (e *APIError) IsRateLimitError() bool {
	return e.Type == "throttling"
}

// IsAuthError returns true if IAM denied the invocation.
func (e *APIError) IsAuthError() bool {
	return e.Type == "access_denied"
}

// IsTimeoutError returns true if the model timed out.
func (e *APIError) IsTimeoutError() bool {
	return e.Type == "model_timeout"
}

// IsBadRequestError returns true if Bedrock rejected the request shape.
func (e *APIError) IsBadRequestError() bool {
	return e.Type == "validation"
}

// IsContextLengthError returns true for the oversized-input sub-case.
func (e *APIError) IsContextLengthError() bool {
	return e.IsBadRequestError() &&
		(strings.Contains(e.Message, "too long") || strings.Contains(e.Message, "maximum"))
}

// IsMalformedResponse returns true if the reply could not be decoded.
func (e *APIError) IsMalformedResponse() bool {
	return e.Type == "malformed_response"
}
