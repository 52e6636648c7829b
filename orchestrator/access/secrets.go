// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package access

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretCacheTTL bounds how long a fetched secret is reused before it is
// fetched again, so key rotation takes effect without a restart.
const secretCacheTTL = 5 * time.Minute

// SecretSource resolves a secret reference into its plaintext value.
// Implementations must be safe for concurrent use.
type SecretSource interface {
	Secret(ctx context.Context, ref string) (string, error)
}

// SecretsAPI is the subset of the Secrets Manager client used here
// (enables testing).
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource resolves ARN references through AWS Secrets Manager
// with a short-lived per-ARN cache.
type SecretsManagerSource struct {
	client SecretsAPI

	mu    sync.Mutex
	cache map[string]cachedSecret
	now   func() time.Time
}

type cachedSecret struct {
	value   string
	fetched time.Time
}

// NewSecretsManagerSource creates a source using the ambient AWS credential
// chain for the given region.
func NewSecretsManagerSource(ctx context.Context, region string) (*SecretsManagerSource, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SecretsManagerSource{
		client: secretsmanager.NewFromConfig(awsCfg),
		cache:  make(map[string]cachedSecret),
		now:    time.Now,
	}, nil
}

// NewSecretsManagerSourceFromClient wraps an existing client. Used in tests.
func NewSecretsManagerSourceFromClient(client SecretsAPI) *SecretsManagerSource {
	return &SecretsManagerSource{
		client: client,
		cache:  make(map[string]cachedSecret),
		now:    time.Now,
	}
}

// Secret returns the plaintext value for the given ARN, fetching at most
// once per cache period.
func (s *SecretsManagerSource) Secret(ctx context.Context, ref string) (string, error) {
	s.mu.Lock()
	if entry, ok := s.cache[ref]; ok && s.now().Sub(entry.fetched) < secretCacheTTL {
		s.mu.Unlock()
		return entry.value, nil
	}
	s.mu.Unlock()

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret %s: %w", MaskARN(ref), err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", MaskARN(ref))
	}

	s.mu.Lock()
	s.cache[ref] = cachedSecret{value: *out.SecretString, fetched: s.now()}
	s.mu.Unlock()

	return *out.SecretString, nil
}

// SetClock overrides the source's clock. Used in tests.
func (s *SecretsManagerSource) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// MaskARN returns a loggable form of a secret ARN, keeping only the resource
// prefix.
func MaskARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 7 {
		if len(arn) <= 8 {
			return "****"
		}
		return arn[:8] + "****"
	}
	name := parts[6]
	if len(name) > 8 {
		name = name[:8]
	}
	return fmt.Sprintf("arn:aws:secretsmanager:%s:****:secret:%s****", parts[3], name)
}

var _ SecretSource = (*SecretsManagerSource)(nil)
