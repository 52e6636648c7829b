// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package access

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codehelp/platform/orchestrator/llm"
)

// fakeSecrets is a scripted SecretSource.
type fakeSecrets struct {
	value string
	err   error
	calls int
}

func (f *fakeSecrets) Secret(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.value, f.err
}

func newTestResolver(t *testing.T, secrets SecretSource) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	resolver := NewResolver(NewStorageFromDB(db), secrets, Config{
		Backend:      llm.BackendOpenAI,
		SystemAPIKey: "sk-system",
		SystemModel:  "gpt-5-mini",
	}, nil)
	return resolver, mock
}

func groupRow(enabled bool, apiKey, secretARN, model string, maxQueries int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "enabled", "api_key", "secret_arn", "model", "max_queries"}).
		AddRow(7, "CS 101", enabled, apiKey, secretARN, model, maxQueries)
}

func studentIdent() Identity {
	return Identity{
		UserID: 42,
		Class:  &ClassMembership{ClassID: 7, Role: RoleStudent},
	}
}

func TestResolve_SystemKey(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)

	cred, err := resolver.Resolve(context.Background(), Identity{UserID: 1}, ResolveOptions{UseSystemKey: true})

	require.NoError(t, err)
	assert.Equal(t, "sk-system", cred.APIKey)
	assert.Equal(t, "gpt-5-mini", cred.Model)
	assert.Equal(t, llm.BackendOpenAI, cred.Backend)
	assert.Nil(t, cred.TokensRemaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_GroupDisabled(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, name, enabled").
		WithArgs(int64(7)).
		WillReturnRows(groupRow(false, "sk-class", "", "gpt-5-mini", 5))

	_, err := resolver.Resolve(context.Background(), studentIdent(), ResolveOptions{SpendQuery: true})

	assert.ErrorIs(t, err, ErrGroupDisabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_NoKeyConfigured(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, name, enabled").
		WithArgs(int64(7)).
		WillReturnRows(groupRow(true, "", "", "gpt-5-mini", 5))

	_, err := resolver.Resolve(context.Background(), studentIdent(), ResolveOptions{SpendQuery: true})

	assert.ErrorIs(t, err, ErrNoCredential)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_UnknownGroupIsNoCredential(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, name, enabled").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "enabled", "api_key", "secret_arn", "model", "max_queries"}))

	_, err := resolver.Resolve(context.Background(), studentIdent(), ResolveOptions{SpendQuery: true})

	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestResolve_StudentSpendsQuery(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, name, enabled").
		WithArgs(int64(7)).
		WillReturnRows(groupRow(true, "sk-class", "", "gpt-5-mini", 5))
	mock.ExpectQuery("SELECT queries_used").
		WithArgs(int64(42), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"queries_used"}).AddRow(3))
	mock.ExpectExec("UPDATE group_members").
		WithArgs(int64(42), int64(7), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cred, err := resolver.Resolve(context.Background(), studentIdent(), ResolveOptions{SpendQuery: true})

	require.NoError(t, err)
	assert.Equal(t, "sk-class", cred.APIKey)
	assert.Equal(t, "gpt-5-mini", cred.Model)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A student at the budget limit fails with no mutation: no UPDATE is ever
// issued, so the counters stay at 5/5.
func TestResolve_QuotaExhaustedMutatesNothing(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, name, enabled").
		WithArgs(int64(7)).
		WillReturnRows(groupRow(true, "sk-class", "", "gpt-5-mini", 5))
	mock.ExpectQuery("SELECT queries_used").
		WithArgs(int64(42), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"queries_used"}).AddRow(5))

	_, err := resolver.Resolve(context.Background(), studentIdent(), ResolveOptions{SpendQuery: true})

	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_QuotaRaceLostIsExhausted(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, name, enabled").
		WithArgs(int64(7)).
		WillReturnRows(groupRow(true, "sk-class", "", "gpt-5-mini", 5))
	mock.ExpectQuery("SELECT queries_used").
		WithArgs(int64(42), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"queries_used"}).AddRow(4))
	mock.ExpectExec("UPDATE group_members").
		WithArgs(int64(42), int64(7), 5).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := resolver.Resolve(context.Background(), studentIdent(), ResolveOptions{SpendQuery: true})

	assert.ErrorIs(t, err, ErrQuotaExhausted)
}

func TestResolve_InstructorSkipsBudget(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, name, enabled").
		WithArgs(int64(7)).
		WillReturnRows(groupRow(true, "sk-class", "", "gpt-5-mini", 5))

	ident := Identity{UserID: 42, Class: &ClassMembership{ClassID: 7, Role: RoleInstructor}}
	cred, err := resolver.Resolve(context.Background(), ident, ResolveOptions{SpendQuery: true})

	require.NoError(t, err)
	assert.Equal(t, "sk-class", cred.APIKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_AdminBypassesStudentBudget(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, name, enabled").
		WithArgs(int64(7)).
		WillReturnRows(groupRow(true, "sk-class", "", "gpt-5-mini", 5))

	ident := studentIdent()
	ident.IsAdmin = true
	_, err := resolver.Resolve(context.Background(), ident, ResolveOptions{SpendQuery: true})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_SecretARNKey(t *testing.T) {
	secrets := &fakeSecrets{value: "sk-from-secrets"}
	resolver, mock := newTestResolver(t, secrets)
	mock.ExpectQuery("SELECT id, name, enabled").
		WithArgs(int64(7)).
		WillReturnRows(groupRow(true, "", "arn:aws:secretsmanager:us-east-1:123:secret:class-key", "gpt-5-mini", 5))

	ident := Identity{UserID: 42, Class: &ClassMembership{ClassID: 7, Role: RoleInstructor}}
	cred, err := resolver.Resolve(context.Background(), ident, ResolveOptions{})

	require.NoError(t, err)
	assert.Equal(t, "sk-from-secrets", cred.APIKey)
	assert.Equal(t, 1, secrets.calls)
}

func TestResolve_SecretFailureIsNoCredential(t *testing.T) {
	secrets := &fakeSecrets{err: fmt.Errorf("access denied")}
	resolver, mock := newTestResolver(t, secrets)
	mock.ExpectQuery("SELECT id, name, enabled").
		WithArgs(int64(7)).
		WillReturnRows(groupRow(true, "", "arn:aws:secretsmanager:us-east-1:123:secret:class-key", "gpt-5-mini", 5))

	ident := Identity{UserID: 42, Class: &ClassMembership{ClassID: 7, Role: RoleInstructor}}
	_, err := resolver.Resolve(context.Background(), ident, ResolveOptions{})

	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestResolve_PersonalLocalAccountBypassesTokens(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, auth_provider, query_tokens").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "auth_provider", "query_tokens"}).
			AddRow(42, AuthProviderLocal, nil))

	cred, err := resolver.Resolve(context.Background(), Identity{UserID: 42}, ResolveOptions{SpendQuery: true})

	require.NoError(t, err)
	assert.Equal(t, "sk-system", cred.APIKey)
	assert.Nil(t, cred.TokensRemaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_PersonalSpendsToken(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, auth_provider, query_tokens").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "auth_provider", "query_tokens"}).
			AddRow(42, "google", 3))
	mock.ExpectExec("UPDATE users").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cred, err := resolver.Resolve(context.Background(), Identity{UserID: 42}, ResolveOptions{SpendQuery: true})

	require.NoError(t, err)
	require.NotNil(t, cred.TokensRemaining)
	assert.Equal(t, 2, *cred.TokensRemaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_PersonalWithoutSpendReportsBalance(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, auth_provider, query_tokens").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "auth_provider", "query_tokens"}).
			AddRow(42, "google", 3))

	cred, err := resolver.Resolve(context.Background(), Identity{UserID: 42}, ResolveOptions{})

	require.NoError(t, err)
	require.NotNil(t, cred.TokensRemaining)
	assert.Equal(t, 3, *cred.TokensRemaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_PersonalNoTokens(t *testing.T) {
	resolver, mock := newTestResolver(t, nil)
	mock.ExpectQuery("SELECT id, auth_provider, query_tokens").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "auth_provider", "query_tokens"}).
			AddRow(42, "google", 0))

	_, err := resolver.Resolve(context.Background(), Identity{UserID: 42}, ResolveOptions{SpendQuery: true})

	assert.ErrorIs(t, err, ErrNoTokens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrGroupDisabled, "ClassDisabled"},
		{ErrNoCredential, "NoKeyFound"},
		{ErrQuotaExhausted, "NoQueries"},
		{ErrNoTokens, "NoTokens"},
		{fmt.Errorf("wrapped: %w", ErrQuotaExhausted), "NoQueries"},
		{fmt.Errorf("unrelated"), "AccessDenied"},
	}

	for _, tt := range tests {
		msg := UserMessage(tt.err)
		assert.Contains(t, msg, tt.want)
		assert.True(t, strings.HasPrefix(msg, "Error ("), "message %q", msg)
	}
}
