// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"codehelp/platform/orchestrator/llm/bedrock"
	"codehelp/platform/orchestrator/llm/openai"
	"codehelp/platform/orchestrator/llm/stub"
	"codehelp/platform/orchestrator/llm/tgi"
	"codehelp/platform/orchestrator/llm/tokencache"
)

// Built-in backends register themselves here. Additional backends can be
// registered by callers before the Gateway is constructed.
func init() {
	RegisterFactory(BackendOpenAI, newOpenAIProvider)
	RegisterFactory(BackendTGI, newTGIProvider)
	RegisterFactory(BackendBedrock, newBedrockProvider)
	RegisterFactory(BackendStub, newStubProvider)
}

func newOpenAIProvider(cfg BackendConfig) (Provider, error) {
	p := openai.NewProvider(openai.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
	})
	return &openaiAdapter{provider: p}, nil
}

func newTGIProvider(cfg BackendConfig) (Provider, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token_url is required for the tgi backend")
	}

	var store tokencache.Store
	if cfg.RedisAddr != "" {
		store = tokencache.NewRedisStore(cfg.RedisAddr)
	}
	cache, err := tokencache.New(tokencache.Config{
		ExchangeURL: cfg.TokenURL,
		Store:       store,
		Timeout:     cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	p, err := tgi.NewProvider(tgi.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Tokens:  cache,
	})
	if err != nil {
		return nil, err
	}
	return &tgiAdapter{provider: p}, nil
}

func newBedrockProvider(cfg BackendConfig) (Provider, error) {
	p, err := bedrock.NewProvider(context.Background(), bedrock.Config{Region: cfg.Region})
	if err != nil {
		return nil, err
	}
	return &bedrockAdapter{provider: p}, nil
}

func newStubProvider(cfg BackendConfig) (Provider, error) {
	p := stub.NewProvider(stub.Config{
		Reply: cfg.StubReply,
		Delay: cfg.StubDelay,
	})
	return &stubAdapter{provider: p}, nil
}

// openaiAdapter bridges the chat-completions backend to the unified
// Provider interface.
type openaiAdapter struct {
	provider *openai.Provider
}

func (a *openaiAdapter) Name() string      { return string(BackendOpenAI) }
func (a *openaiAdapter) Type() BackendType { return BackendOpenAI }

func (a *openaiAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages := make([]openai.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.Message{Role: m.Role, Content: m.Content}
	}

	resp, err := a.provider.Complete(ctx, openai.CompletionRequest{
		APIKey:      req.Credential.APIKey,
		Model:       req.Credential.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, classifyError(BackendOpenAI, err)
	}
	return &CompletionResponse{Raw: resp.Raw, Text: resp.Content, Model: resp.Model}, nil
}

// tgiAdapter bridges the instruction-prompt backend. Structured messages are
// collapsed into the instruction format the deployment expects.
type tgiAdapter struct {
	provider *tgi.Provider
}

func (a *tgiAdapter) Name() string      { return string(BackendTGI) }
func (a *tgiAdapter) Type() BackendType { return BackendTGI }

func (a *tgiAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := a.provider.Complete(ctx, tgi.CompletionRequest{
		APIKey:       req.Credential.APIKey,
		Model:        req.Credential.Model,
		Prompt:       collapseMessages(req.Messages),
		MaxNewTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, classifyError(BackendTGI, err)
	}
	return &CompletionResponse{Raw: resp.Raw, Text: resp.Content, Model: resp.Model}, nil
}

// collapseMessages folds role-tagged messages into a single instruction
// prompt. Consecutive system/user messages merge into one [INST] block;
// assistant turns appear between blocks as prior model output.
func collapseMessages(messages []Message) string {
	var b strings.Builder
	b.WriteString("<s>")

	var inst []string
	flush := func() {
		if len(inst) == 0 {
			return
		}
		b.WriteString(" [INST] ")
		b.WriteString(strings.Join(inst, "\n\n"))
		b.WriteString(" [/INST]")
		inst = inst[:0]
	}

	for _, m := range messages {
		if m.Role == RoleAssistant {
			flush()
			b.WriteString(" ")
			b.WriteString(m.Content)
		} else {
			inst = append(inst, m.Content)
		}
	}
	flush()

	return b.String()
}

// bedrockAdapter bridges the Bedrock backend. System messages move to the
// dedicated system field; the credential secret is unused (IAM auth).
type bedrockAdapter struct {
	provider *bedrock.Provider
}

func (a *bedrockAdapter) Name() string      { return string(BackendBedrock) }
func (a *bedrockAdapter) Type() BackendType { return BackendBedrock }

func (a *bedrockAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var system []string
	var messages []bedrock.Message
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, bedrock.Message{Role: m.Role, Content: m.Content})
	}
	if len(messages) == 0 {
		// The messages API requires at least one user turn.
		messages = append(messages, bedrock.Message{Role: RoleUser, Content: strings.Join(system, "\n\n")})
		system = nil
	}

	resp, err := a.provider.Complete(ctx, bedrock.CompletionRequest{
		Model:       req.Credential.Model,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, classifyError(BackendBedrock, err)
	}
	return &CompletionResponse{Raw: resp.Raw, Text: resp.Content, Model: resp.Model}, nil
}

// stubAdapter bridges the canned-reply backend.
type stubAdapter struct {
	provider *stub.Provider
}

func (a *stubAdapter) Name() string      { return string(BackendStub) }
func (a *stubAdapter) Type() BackendType { return BackendStub }

func (a *stubAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages := make([]stub.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = stub.Message{Role: m.Role, Content: m.Content}
	}

	resp, err := a.provider.Complete(ctx, stub.CompletionRequest{
		Model:    req.Credential.Model,
		Messages: messages,
	})
	if err != nil {
		return nil, classifyError(BackendStub, err)
	}
	return &CompletionResponse{Raw: resp.Raw, Text: resp.Content, Model: resp.Model}, nil
}

// kindClassifier is the error-classification surface every backend's
// APIError exposes.
type kindClassifier interface {
	IsRateLimitError() bool
	IsAuthError() bool
	IsTimeoutError() bool
	IsBadRequestError() bool
	IsContextLengthError() bool
	IsMalformedResponse() bool
}

// classifyError normalizes a backend error into a ProviderError. Already
// classified errors pass through unchanged.
func classifyError(backend BackendType, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	pe = &ProviderError{
		Backend: backend,
		Kind:    KindGeneric,
		Message: err.Error(),
		Cause:   err,
	}

	var exchErr *tokencache.ExchangeError
	if errors.As(err, &exchErr) {
		pe.Kind = KindTokenExchange
		pe.StatusCode = exchErr.StatusCode
		pe.Body = exchErr.Body
		return pe
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		pe.Kind = KindTimeout
		return pe
	}

	var oaErr *openai.APIError
	if errors.As(err, &oaErr) {
		pe.StatusCode = oaErr.StatusCode
		pe.Body = oaErr.Body
		pe.Message = oaErr.Message
	}
	var tgiErr *tgi.APIError
	if errors.As(err, &tgiErr) {
		pe.StatusCode = tgiErr.StatusCode
		pe.Body = tgiErr.Body
		pe.Message = tgiErr.Message
	}
	var bedErr *bedrock.APIError
	if errors.As(err, &bedErr) {
		pe.Body = bedErr.Message
		pe.Message = bedErr.Message
	}

	var c kindClassifier
	if errors.As(err, &c) {
		pe.Kind = kindOf(c)
	}
	return pe
}

// kindOf maps a classifier onto the shared error vocabulary. Order matters:
// the context-length sub-case is checked before plain bad-request.
func kindOf(c kindClassifier) ErrorKind {
	switch {
	case c.IsContextLengthError():
		return KindContextLength
	case c.IsBadRequestError():
		return KindBadRequest
	case c.IsRateLimitError():
		return KindRateLimited
	case c.IsAuthError():
		return KindAuthInvalid
	case c.IsTimeoutError():
		return KindTimeout
	case c.IsMalformedResponse():
		return KindMalformedResponse
	default:
		return KindGeneric
	}
}
