// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codehelp/platform/shared/logger"
)

// scriptedProvider is a Provider returning a fixed response or error.
type scriptedProvider struct {
	resp *CompletionResponse
	err  error
}

func (p *scriptedProvider) Name() string      { return "scripted" }
func (p *scriptedProvider) Type() BackendType { return BackendStub }

func (p *scriptedProvider) Complete(_ context.Context, _ CompletionRequest) (*CompletionResponse, error) {
	return p.resp, p.err
}

func TestGateway_Complete_Success(t *testing.T) {
	provider := &scriptedProvider{
		resp: &CompletionResponse{
			Raw:   json.RawMessage(`{"ok": true}`),
			Text:  "An explanation.",
			Model: "m",
		},
	}
	gw := NewGatewayWithProvider(provider, logger.NewWithWriter("test", &bytes.Buffer{}))

	result := gw.Complete(context.Background(), "req-1", CompletionRequest{
		Credential: Credential{Backend: BackendStub, Model: "m"},
		Messages:   []Message{{Role: RoleUser, Content: "help"}},
	})

	assert.False(t, result.Error)
	assert.Equal(t, "An explanation.", result.Text)
	assert.JSONEq(t, `{"ok": true}`, string(result.Raw))
}

func TestGateway_Complete_RecoversProviderError(t *testing.T) {
	provider := &scriptedProvider{
		err: &ProviderError{
			Backend:    BackendStub,
			Kind:       KindRateLimited,
			StatusCode: 429,
			Message:    "too many requests",
		},
	}
	var logBuf bytes.Buffer
	gw := NewGatewayWithProvider(provider, logger.NewWithWriter("test", &logBuf))

	result := gw.Complete(context.Background(), "req-1", CompletionRequest{
		Credential: Credential{Backend: BackendStub, APIKey: "sk-secret-key", Model: "m"},
		Messages:   []Message{{Role: RoleUser, Content: "help"}},
	})

	assert.True(t, result.Error)
	assert.Equal(t, KindRateLimited, result.Kind)
	assert.True(t, strings.HasPrefix(result.Text, "Error (RateLimit)."))

	// The key never appears in logs in plaintext.
	assert.NotContains(t, logBuf.String(), "sk-secret-key")
	assert.Contains(t, logBuf.String(), "completion failed")
}

func TestGateway_Complete_WrapsUnclassifiedError(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("boom")}
	gw := NewGatewayWithProvider(provider, logger.NewWithWriter("test", &bytes.Buffer{}))

	result := gw.Complete(context.Background(), "req-1", CompletionRequest{
		Credential: Credential{Backend: BackendStub, Model: "m"},
		Messages:   []Message{{Role: RoleUser, Content: "help"}},
	})

	assert.True(t, result.Error)
	assert.Equal(t, KindGeneric, result.Kind)
	assert.True(t, strings.HasPrefix(result.Text, "Error (APIError)."))
}

func TestNewGateway_StubBackend(t *testing.T) {
	gw, err := NewGateway(BackendConfig{Type: BackendStub, StubReply: "canned"}, logger.NewWithWriter("test", &bytes.Buffer{}))

	require.NoError(t, err)
	assert.Equal(t, BackendStub, gw.Backend())

	result := gw.Complete(context.Background(), "req-1", CompletionRequest{
		Credential: Credential{Backend: BackendStub, Model: "m"},
		Messages:   []Message{{Role: RoleUser, Content: "help"}},
	})
	assert.False(t, result.Error)
	assert.Equal(t, "canned", result.Text)
}

func TestNewGateway_UnknownBackend(t *testing.T) {
	_, err := NewGateway(BackendConfig{Type: BackendType("azure")}, nil)

	assert.Error(t, err)
}
