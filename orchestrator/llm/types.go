// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BackendType identifies a completion backend family.
type BackendType string

// Backends supported out of the box.
const (
	// BackendOpenAI represents any OpenAI-compatible chat-completions API.
	BackendOpenAI BackendType = "openai"

	// BackendTGI represents a text-generation-inference deployment reached
	// through a bearer-token gateway.
	BackendTGI BackendType = "tgi"

	// BackendBedrock represents AWS Bedrock managed models (IAM auth).
	BackendBedrock BackendType = "bedrock"

	// BackendStub is the test-double backend used for diagnostics and load
	// testing. It never performs network calls.
	BackendStub BackendType = "stub"
)

// ParseBackendType validates a configuration string against the known
// backend types. Selection happens once at process start, so an unknown
// value is a startup error, never a request-time one.
func ParseBackendType(s string) (BackendType, error) {
	switch t := BackendType(strings.ToLower(strings.TrimSpace(s))); t {
	case BackendOpenAI, BackendTGI, BackendBedrock, BackendStub:
		return t, nil
	default:
		return "", fmt.Errorf("unknown backend type %q", s)
	}
}

// Message roles used in completion prompts.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged element of a completion prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Credential is the resolved (backend, secret, model) bundle for one request.
// It is immutable once resolved and must never be logged in plaintext.
type Credential struct {
	Backend BackendType
	APIKey  string
	Model   string

	// TokensRemaining is the caller's personal token balance after this
	// request, for display. Nil when the caller is not on token accounting.
	TokensRemaining *int
}

// RedactedKey returns a loggable form of the API key.
func (c Credential) RedactedKey() string {
	if len(c.APIKey) <= 8 {
		return "****"
	}
	return c.APIKey[:4] + "****"
}

// CompletionRequest is the unified request shape handed to the Gateway.
type CompletionRequest struct {
	Credential  Credential
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// CompletionResponse is a successful backend reply in canonical form.
type CompletionResponse struct {
	// Raw is the provider's response record, verbatim, for audit storage.
	Raw json.RawMessage

	// Text is the extracted completion text, whitespace-trimmed.
	Text string

	// Model is the model that actually served the request.
	Model string
}

// CompletionResult is the outcome of one model call: either a successful
// completion or a recovered backend error. Backend errors never propagate
// past the adapter boundary as Go errors; they arrive here with the error
// flag set and the raw error body preserved.
type CompletionResult struct {
	Raw   json.RawMessage `json:"response"`
	Text  string          `json:"text"`
	Error bool            `json:"error,omitempty"`
	Kind  ErrorKind       `json:"error_kind,omitempty"`
}

// ErrorKind is the shared error vocabulary all backends normalize into.
type ErrorKind string

const (
	// KindTimeout indicates the backend timed out producing a response.
	KindTimeout ErrorKind = "timeout"

	// KindRateLimited indicates request-rate or quota throttling.
	KindRateLimited ErrorKind = "rate_limited"

	// KindAuthInvalid indicates the configured API key was rejected.
	KindAuthInvalid ErrorKind = "auth_invalid"

	// KindBadRequest indicates the backend rejected the request shape.
	KindBadRequest ErrorKind = "bad_request"

	// KindContextLength is the bad-request sub-case for oversized input.
	KindContextLength ErrorKind = "context_length_exceeded"

	// KindTokenExchange indicates the bearer-token exchange failed.
	KindTokenExchange ErrorKind = "token_exchange"

	// KindMalformedResponse indicates a non-JSON or field-missing reply.
	KindMalformedResponse ErrorKind = "malformed_response"

	// KindGeneric covers every other backend failure.
	KindGeneric ErrorKind = "generic"
)

// ProviderError is a normalized backend failure. Adapters classify each
// backend's native error vocabulary into one of these before the Gateway
// recovers it into a flagged CompletionResult.
type ProviderError struct {
	Backend    BackendType
	Kind       ErrorKind
	StatusCode int
	Message    string

	// Body is the raw error body from the backend, kept for diagnostics.
	Body string

	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (%s, status %d): %s", e.Backend, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Backend, e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// errorLabel maps an ErrorKind to the label shown inside "Error (<label>)".
// The classifier in the query pipeline keys on the "Error (" prefix, so every
// user-facing failure text must start with it.
func errorLabel(kind ErrorKind) string {
	switch kind {
	case KindTimeout:
		return "Timeout"
	case KindRateLimited:
		return "RateLimit"
	case KindAuthInvalid:
		return "Authentication"
	case KindBadRequest, KindContextLength:
		return "BadRequest"
	case KindTokenExchange:
		return "TokenExchange"
	case KindMalformedResponse:
		return "MalformedResponse"
	default:
		return "APIError"
	}
}

const genericErrorText = "Something went wrong with this query.  The error has been logged, and we'll work on it.  For now, please try again."

// UserMessage renders a ProviderError as the apologetic text shown in place
// of a model answer. Wording is role-appropriate: key problems point at the
// instructor, transient problems at retrying.
func (e *ProviderError) UserMessage() string {
	label := errorLabel(e.Kind)
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("Error (%s).  The system timed out producing the response.  Please try again.", label)
	case KindRateLimited:
		if strings.Contains(e.Body, "exceeded your current quota") {
			return fmt.Sprintf("Error (%s).  The API key for this class has exceeded its current quota.  The instructor should check their API plan and billing details.", label)
		}
		return fmt.Sprintf("Error (%s).  The system is receiving too many requests right now.  Please try again in one minute.", label)
	case KindAuthInvalid:
		return fmt.Sprintf("Error (%s).  The API key set by the instructor for this class is invalid.  The instructor needs to provide a valid API key for this application to work.", label)
	case KindContextLength:
		return fmt.Sprintf("Error (%s).  Your query is too long for the model to process.  Please reduce the length of your input.", label)
	case KindTokenExchange:
		return fmt.Sprintf("Error (%s).  Could not authenticate with the language model service.  Please try again.", label)
	default:
		return fmt.Sprintf("Error (%s).  %s", label, genericErrorText)
	}
}

// ResultFromError recovers a backend error into a flagged CompletionResult,
// preserving the raw error body for audit storage.
func ResultFromError(err *ProviderError) CompletionResult {
	raw, marshalErr := json.Marshal(map[string]string{"error": err.Error(), "body": err.Body})
	if marshalErr != nil {
		raw = json.RawMessage(`{"error":"unserializable provider error"}`)
	}
	return CompletionResult{
		Raw:   raw,
		Text:  err.UserMessage(),
		Error: true,
		Kind:  err.Kind,
	}
}
