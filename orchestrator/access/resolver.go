// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package access decides which credential, model, and remaining budget apply
// to a request, and enforces usage counters. It is the only component that
// mutates durable state: budget spend happens here, synchronously, before
// any completion call is attempted.
package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"codehelp/platform/orchestrator/llm"
	"codehelp/platform/shared/logger"
)

// Roles within a group.
const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
)

// AuthProviderLocal marks locally created accounts, which are exempt from
// personal token accounting.
const AuthProviderLocal = "local"

// Authorization failures. All abort the query before any completion call and
// perform no mutation.
var (
	// ErrGroupDisabled means the caller's group is administratively disabled.
	ErrGroupDisabled = errors.New("group is disabled")

	// ErrNoCredential means no API key is configured for the caller's group.
	ErrNoCredential = errors.New("no API key configured")

	// ErrQuotaExhausted means the caller's consumed-query counter has reached
	// the group's budget.
	ErrQuotaExhausted = errors.New("query budget exhausted")

	// ErrNoTokens means the caller's personal token balance is zero.
	ErrNoTokens = errors.New("no query tokens remaining")
)

// UserMessage renders an authorization failure as the explanatory text shown
// to the caller. Wording is role-appropriate: configuration problems point at
// the instructor.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrGroupDisabled):
		return "Error (ClassDisabled).  Queries are currently disabled for your class.  Please see your instructor."
	case errors.Is(err, ErrNoCredential):
		return "Error (NoKeyFound).  No API key has been set for your class.  Your instructor must set a key before queries can be made."
	case errors.Is(err, ErrQuotaExhausted):
		return "Error (NoQueries).  You have used all of the queries available to you in this class.  Please see your instructor if you need more."
	case errors.Is(err, ErrNoTokens):
		return "Error (NoTokens).  You have used all of your free queries.  Please join a class to make more queries."
	default:
		return "Error (AccessDenied).  Your request could not be authorized."
	}
}

// ClassMembership is the caller's active group and their role in it.
type ClassMembership struct {
	ClassID int64
	Role    string
}

// Identity is the caller as seen by the resolver: a stable identifier, the
// active group membership if any, and the administrator flag. Administrators
// bypass the student budget check.
type Identity struct {
	UserID  int64
	IsAdmin bool
	Class   *ClassMembership
}

// ResolveOptions control a single resolution.
type ResolveOptions struct {
	// UseSystemKey skips group and token accounting and returns the system
	// credential directly. Used for diagnostics and load tests.
	UseSystemKey bool

	// SpendQuery consumes one unit of budget as part of authorization. Spend
	// is on intent: a later completion failure does not refund it.
	SpendQuery bool
}

// Config contains resolver configuration.
type Config struct {
	// Backend stamps every resolved credential with the process's selected
	// completion backend.
	Backend llm.BackendType

	// SystemAPIKey and SystemModel form the system credential used for the
	// personal-token path and for UseSystemKey resolutions.
	SystemAPIKey string
	SystemModel  string
}

// Resolver authorizes requests and yields resolved credentials.
type Resolver struct {
	store   *Storage
	secrets SecretSource
	cfg     Config
	log     *logger.Logger
}

// NewResolver creates a resolver. The secret source may be nil when no group
// stores its key as a secret ARN.
func NewResolver(store *Storage, secrets SecretSource, cfg Config, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.New("access-resolver")
	}
	return &Resolver{store: store, secrets: secrets, cfg: cfg, log: log}
}

// Resolve authorizes one request and returns the credential it may use.
// Failure paths perform no mutation.
func (r *Resolver) Resolve(ctx context.Context, ident Identity, opts ResolveOptions) (*llm.Credential, error) {
	if opts.UseSystemKey {
		return r.systemCredential()
	}
	if ident.Class != nil {
		return r.resolveGroup(ctx, ident, opts)
	}
	return r.resolvePersonal(ctx, ident, opts)
}

func (r *Resolver) systemCredential() (*llm.Credential, error) {
	if r.cfg.SystemAPIKey == "" && r.cfg.Backend != llm.BackendBedrock && r.cfg.Backend != llm.BackendStub {
		return nil, fmt.Errorf("system API key is not configured: %w", ErrNoCredential)
	}
	return &llm.Credential{
		Backend: r.cfg.Backend,
		APIKey:  r.cfg.SystemAPIKey,
		Model:   r.cfg.SystemModel,
	}, nil
}

func (r *Resolver) resolveGroup(ctx context.Context, ident Identity, opts ResolveOptions) (*llm.Credential, error) {
	gc, err := r.store.GroupConfig(ctx, ident.Class.ClassID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %d has no configuration: %w", ident.Class.ClassID, ErrNoCredential)
	}
	if err != nil {
		return nil, err
	}

	if !gc.Enabled {
		return nil, fmt.Errorf("group %d: %w", gc.GroupID, ErrGroupDisabled)
	}

	apiKey, err := r.groupKey(ctx, gc)
	if err != nil {
		return nil, err
	}

	if ident.Class.Role == RoleStudent && !ident.IsAdmin {
		used, err := r.store.QueriesUsed(ctx, ident.UserID, gc.GroupID)
		if err != nil {
			return nil, err
		}
		if used >= gc.MaxQueries {
			return nil, fmt.Errorf("user %d at %d/%d in group %d: %w",
				ident.UserID, used, gc.MaxQueries, gc.GroupID, ErrQuotaExhausted)
		}
		if opts.SpendQuery {
			spent, err := r.store.SpendGroupQuery(ctx, ident.UserID, gc.GroupID, gc.MaxQueries)
			if err != nil {
				return nil, err
			}
			if !spent {
				// Lost a race with a concurrent spend.
				return nil, fmt.Errorf("user %d in group %d: %w", ident.UserID, gc.GroupID, ErrQuotaExhausted)
			}
		}
	}

	return &llm.Credential{
		Backend: r.cfg.Backend,
		APIKey:  apiKey,
		Model:   gc.Model,
	}, nil
}

// groupKey yields the group's plaintext key, resolving a secret ARN when the
// key is not stored inline.
func (r *Resolver) groupKey(ctx context.Context, gc *GroupConfig) (string, error) {
	if gc.APIKey != "" {
		return gc.APIKey, nil
	}
	if gc.SecretARN != "" {
		if r.secrets == nil {
			return "", fmt.Errorf("group %d key is a secret reference but no secret source is configured: %w",
				gc.GroupID, ErrNoCredential)
		}
		key, err := r.secrets.Secret(ctx, gc.SecretARN)
		if err != nil {
			r.log.ErrorWithErr("", "secret resolution failed", err, map[string]any{
				"group_id": gc.GroupID,
				"secret":   MaskARN(gc.SecretARN),
			})
			return "", fmt.Errorf("group %d: %w", gc.GroupID, ErrNoCredential)
		}
		return key, nil
	}
	if r.cfg.Backend == llm.BackendBedrock || r.cfg.Backend == llm.BackendStub {
		// These backends carry no per-group secret.
		return "", nil
	}
	return "", fmt.Errorf("group %d: %w", gc.GroupID, ErrNoCredential)
}

func (r *Resolver) resolvePersonal(ctx context.Context, ident Identity, opts ResolveOptions) (*llm.Credential, error) {
	acct, err := r.store.PersonalAccount(ctx, ident.UserID)
	if err != nil {
		return nil, err
	}

	cred, err := r.systemCredential()
	if err != nil {
		return nil, err
	}

	// Locally created accounts are exempt from token accounting.
	if acct.AuthProvider == AuthProviderLocal {
		return cred, nil
	}

	tokens := 0
	if acct.QueryTokens != nil {
		tokens = *acct.QueryTokens
	}
	if tokens <= 0 {
		return nil, fmt.Errorf("user %d: %w", ident.UserID, ErrNoTokens)
	}

	remaining := tokens
	if opts.SpendQuery {
		spent, err := r.store.SpendToken(ctx, ident.UserID)
		if err != nil {
			return nil, err
		}
		if !spent {
			return nil, fmt.Errorf("user %d: %w", ident.UserID, ErrNoTokens)
		}
		remaining = tokens - 1
	}
	cred.TokensRemaining = &remaining

	return cred, nil
}
