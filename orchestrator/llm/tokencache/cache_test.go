// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signedToken returns an HS256 token with the given expiry. The cache never
// verifies signatures, only decodes claims.
func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return token
}

// tokenWithoutExp returns a token carrying no exp claim.
func tokenWithoutExp(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "someone",
	}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return token
}

// exchangeServer serves the token-exchange endpoint, returning tokens from
// the queue in order and counting calls.
func exchangeServer(t *testing.T, calls *atomic.Int64, tokens ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		idx := int(n) - 1
		if idx >= len(tokens) {
			idx = len(tokens) - 1
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"jwt": tokens[idx]})
	}))
}

func TestCache_Token_ExchangesOnMiss(t *testing.T) {
	var calls atomic.Int64
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := exchangeServer(t, &calls, token)
	defer srv.Close()

	cache, err := New(Config{ExchangeURL: srv.URL})
	require.NoError(t, err)

	got, err := cache.Token(context.Background(), "secret-key")
	require.NoError(t, err)
	assert.Equal(t, token, got)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCache_Token_ReusesCachedToken(t *testing.T) {
	var calls atomic.Int64
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := exchangeServer(t, &calls, token)
	defer srv.Close()

	cache, err := New(Config{ExchangeURL: srv.URL})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		got, err := cache.Token(context.Background(), "secret-key")
		require.NoError(t, err)
		assert.Equal(t, token, got)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestCache_Token_ForcedExpiryTriggersExactlyOneRefresh(t *testing.T) {
	var calls atomic.Int64
	now := time.Now()
	first := signedToken(t, now.Add(time.Hour))
	second := signedToken(t, now.Add(3*time.Hour))
	srv := exchangeServer(t, &calls, first, second)
	defer srv.Close()

	cache, err := New(Config{ExchangeURL: srv.URL})
	require.NoError(t, err)

	got, err := cache.Token(context.Background(), "secret-key")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	// Move the clock past the first token's expiry.
	cache.SetClock(func() time.Time { return now.Add(2 * time.Hour) })

	got, err = cache.Token(context.Background(), "secret-key")
	require.NoError(t, err)
	assert.Equal(t, second, got)
	assert.Equal(t, int64(2), calls.Load())

	// The refreshed token is expiry-valid for the moved clock: no third call.
	_, err = cache.Token(context.Background(), "secret-key")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCache_Token_RefreshSkew(t *testing.T) {
	var calls atomic.Int64
	now := time.Now()
	first := signedToken(t, now.Add(time.Minute))
	second := signedToken(t, now.Add(time.Hour))
	srv := exchangeServer(t, &calls, first, second)
	defer srv.Close()

	cache, err := New(Config{ExchangeURL: srv.URL})
	require.NoError(t, err)

	_, err = cache.Token(context.Background(), "secret-key")
	require.NoError(t, err)

	// Inside the skew window the token is still formally valid but must be
	// refreshed anyway.
	cache.SetClock(func() time.Time { return now.Add(45 * time.Second) })

	got, err := cache.Token(context.Background(), "secret-key")
	require.NoError(t, err)
	assert.Equal(t, second, got)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCache_Token_MissingExpForcesRefresh(t *testing.T) {
	var calls atomic.Int64
	token := tokenWithoutExp(t)
	srv := exchangeServer(t, &calls, token)
	defer srv.Close()

	cache, err := New(Config{ExchangeURL: srv.URL})
	require.NoError(t, err)

	_, err = cache.Token(context.Background(), "secret-key")
	require.NoError(t, err)
	_, err = cache.Token(context.Background(), "secret-key")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCache_Token_SendsRawKeyAsAuthorization(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"jwt": token})
	}))
	defer srv.Close()

	cache, err := New(Config{ExchangeURL: srv.URL})
	require.NoError(t, err)

	_, err = cache.Token(context.Background(), "secret-key")
	require.NoError(t, err)
}

func TestCache_Token_ExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "bad key"}`))
	}))
	defer srv.Close()

	cache, err := New(Config{ExchangeURL: srv.URL})
	require.NoError(t, err)

	_, err = cache.Token(context.Background(), "secret-key")
	require.Error(t, err)

	var exchErr *ExchangeError
	require.True(t, errors.As(err, &exchErr))
	assert.Equal(t, http.StatusUnauthorized, exchErr.StatusCode)
	assert.Contains(t, exchErr.Body, "bad key")
}

func TestCache_Token_ExchangeMissingJWT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected": "shape"}`))
	}))
	defer srv.Close()

	cache, err := New(Config{ExchangeURL: srv.URL})
	require.NoError(t, err)

	_, err = cache.Token(context.Background(), "secret-key")

	var exchErr *ExchangeError
	require.True(t, errors.As(err, &exchErr))
}

func TestNew_RequiresExchangeURL(t *testing.T) {
	_, err := New(Config{})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exchange URL is required")
}

func TestDecodeExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, ok := decodeExpiry(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = decodeExpiry(tokenWithoutExp(t))
	assert.False(t, ok)

	_, ok = decodeExpiry("not-a-jwt")
	assert.False(t, ok)
}

func TestCacheKey_DoesNotContainSecret(t *testing.T) {
	key := cacheKey("very-secret-key")

	assert.NotContains(t, key, "very-secret-key")
	assert.Equal(t, cacheKey("very-secret-key"), key)
	assert.NotEqual(t, cacheKey("other-key"), key)
}
