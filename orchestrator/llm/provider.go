// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package llm

import (
	"context"
)

// Provider is the unified interface for completion backends.
// Implementations must be safe for concurrent use.
//
// Complete returns a Go error only for normalized backend failures
// (*ProviderError) or programming errors; the Gateway recovers the former
// into flagged CompletionResults so callers above it never branch on
// backend-specific error shapes.
type Provider interface {
	// Name returns the identifier of this provider instance, used for
	// logging and metrics.
	Name() string

	// Type returns the backend family this provider implements.
	Type() BackendType

	// Complete generates a completion for the given request. The context
	// bounds the network call.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
