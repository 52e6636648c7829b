// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package tokencache caches short-lived bearer tokens obtained via a
// token-exchange endpoint, keyed by the credential used to obtain them.
// Staleness is decided by an unverified decode of the token's own exp claim:
// the issuer is trusted for expiry correctness, and this process is not the
// verifier of the token's signature.
package tokencache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTimeout is the default HTTP timeout for exchange calls.
const DefaultTimeout = 30 * time.Second

// refreshSkew refreshes tokens slightly before their decoded expiry so a
// token never expires mid-flight on the completion call it authorizes.
const refreshSkew = 30 * time.Second

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ExchangeError reports a failed token-exchange call. The response body is
// preserved for diagnostics.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed (status %d): %s", e.StatusCode, e.Body)
}

// Cache caches bearer tokens per credential, refreshing transparently.
// Safe for concurrent use; concurrent refreshes for the same credential are
// a benign race (last successful write wins).
type Cache struct {
	exchangeURL string
	client      HTTPClient
	store       Store
	now         func() time.Time
}

// Config contains configuration for the token cache.
type Config struct {
	ExchangeURL string        // Required: token-exchange endpoint
	Store       Store         // Optional: token store (default: in-memory)
	Client      HTTPClient    // Optional: HTTP client (default: net/http with timeout)
	Timeout     time.Duration // Optional: HTTP timeout (default: 30s)
}

// New creates a token cache.
func New(cfg Config) (*Cache, error) {
	if cfg.ExchangeURL == "" {
		return nil, fmt.Errorf("token exchange URL is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Cache{
		exchangeURL: cfg.ExchangeURL,
		client:      cfg.Client,
		store:       cfg.Store,
		now:         time.Now,
	}, nil
}

// Token returns a bearer token for the given credential secret, performing
// a token-exchange call on miss or staleness. A returned token's decoded
// expiry is always in the future.
func (c *Cache) Token(ctx context.Context, apiKey string) (string, error) {
	key := cacheKey(apiKey)

	if token, ok := c.store.Get(ctx, key); ok {
		if exp, ok := decodeExpiry(token); ok && c.now().Add(refreshSkew).Before(exp) {
			return token, nil
		}
	}

	token, err := c.exchange(ctx, apiKey)
	if err != nil {
		return "", err
	}

	ttl := time.Duration(0)
	if exp, ok := decodeExpiry(token); ok {
		ttl = exp.Sub(c.now())
	}
	c.store.Put(ctx, key, token, ttl)

	return token, nil
}

// exchange performs the token-exchange call, authorizing with the credential
// secret itself.
func (c *Cache) exchange(ctx context.Context, apiKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.exchangeURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create exchange request: %w", err)
	}
	req.Header.Set("Authorization", apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange call failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &ExchangeError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.JWT == "" {
		return "", &ExchangeError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return payload.JWT, nil
}

// decodeExpiry reads the exp claim without verifying the signature. A token
// that cannot be decoded, or that carries no exp claim, reports !ok and is
// treated as already expired, forcing a refresh.
func decodeExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// cacheKey derives a store key from the credential secret without storing
// the secret itself.
func cacheKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "llm:token:" + hex.EncodeToString(sum[:])
}

// SetClock overrides the cache's clock. Used in tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}
