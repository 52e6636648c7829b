// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package stub provides an in-process completion backend that returns a
// canned reply after an optional simulated delay. It replaces live model
// calls in diagnostics, load tests, and package tests, and records every
// request it receives for later assertions.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultReply is returned when no canned reply is configured.
const DefaultReply = "This is a stub response."

// Message is one role-tagged prompt element.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model    string
	Messages []Message
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content string
	Model   string
	Raw     json.RawMessage
}

// Config contains configuration for the stub backend.
type Config struct {
	Reply string        // Optional: canned answer text
	Delay time.Duration // Optional: simulated network latency
}

// Provider returns canned completions. Safe for concurrent use.
type Provider struct {
	reply string
	delay time.Duration

	mu       sync.Mutex
	calls    []CompletionRequest
	failWith error
}

// NewProvider creates a stub backend.
func NewProvider(cfg Config) *Provider {
	reply := cfg.Reply
	if reply == "" {
		reply = DefaultReply
	}
	return &Provider{reply: reply, delay: cfg.Delay}
}

// Complete returns the canned reply after the configured delay. The context
// cuts the delay short.
func (p *Provider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	p.mu.Lock()
	p.calls = append(p.calls, req)
	failWith := p.failWith
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if failWith != nil {
		return nil, failWith
	}

	raw, err := json.Marshal(map[string]string{
		"object": "stub.completion",
		"model":  req.Model,
		"text":   p.reply,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stub response: %w", err)
	}

	return &CompletionResponse{
		Content: p.reply,
		Model:   req.Model,
		Raw:     json.RawMessage(raw),
	}, nil
}

// FailWith makes every subsequent call return err instead of the canned
// reply. Pass nil to restore normal behavior.
func (p *Provider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Calls returns a copy of every request received so far.
func (p *Provider) Calls() []CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompletionRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of requests received so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
