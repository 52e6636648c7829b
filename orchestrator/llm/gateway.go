// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package llm

import (
	"context"
	"errors"
	"time"

	"codehelp/platform/shared/logger"
)

// Gateway is the single entry point for model completions. The backend is
// selected once from configuration at process start; every request flows
// through the same provider for the life of the process.
//
// Backend failures never surface as Go errors. The Gateway recovers them
// into flagged CompletionResults carrying user-facing failure text, so the
// query pipeline handles success and failure through one result shape.
type Gateway struct {
	provider Provider
	log      *logger.Logger
}

// NewGateway constructs a Gateway for the configured backend.
func NewGateway(cfg BackendConfig, log *logger.Logger) (*Gateway, error) {
	provider, err := CreateProvider(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New("llm-gateway")
	}
	log.Info("", "completion backend selected", map[string]any{
		"backend": string(provider.Type()),
	})
	return &Gateway{provider: provider, log: log}, nil
}

// NewGatewayWithProvider wraps an existing provider. Used in tests.
func NewGatewayWithProvider(provider Provider, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.New("llm-gateway")
	}
	return &Gateway{provider: provider, log: log}
}

// Backend reports the backend type this Gateway was built with.
func (g *Gateway) Backend() BackendType {
	return g.provider.Type()
}

// Complete runs one model call and always returns a usable result. The
// requestID ties log lines to the query being served.
func (g *Gateway) Complete(ctx context.Context, requestID string, req CompletionRequest) CompletionResult {
	start := time.Now()

	resp, err := g.provider.Complete(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			pe = &ProviderError{
				Backend: g.provider.Type(),
				Kind:    KindGeneric,
				Message: err.Error(),
				Cause:   err,
			}
		}
		recordCompletion(g.provider.Type(), string(pe.Kind), elapsed)
		g.log.ErrorWithErr(requestID, "completion failed", pe, map[string]any{
			"backend":     string(g.provider.Type()),
			"error_kind":  string(pe.Kind),
			"status_code": pe.StatusCode,
			"model":       req.Credential.Model,
			"api_key":     req.Credential.RedactedKey(),
			"duration_ms": float64(elapsed.Milliseconds()),
		})
		return ResultFromError(pe)
	}

	recordCompletion(g.provider.Type(), "ok", elapsed)
	g.log.InfoWithDuration(requestID, "completion served", float64(elapsed.Milliseconds()), map[string]any{
		"backend": string(g.provider.Type()),
		"model":   resp.Model,
	})
	return CompletionResult{Raw: resp.Raw, Text: resp.Text}
}
