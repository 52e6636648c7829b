// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package access

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// GroupConfig is one class's credential and quota configuration.
type GroupConfig struct {
	GroupID    int64
	Name       string
	Enabled    bool
	APIKey     string // Plaintext key, empty when a secret ARN is used instead
	SecretARN  string // Secrets Manager ARN, empty when the key is stored inline
	Model      string
	MaxQueries int
}

// PersonalAccount is a caller's personal token balance outside any group.
type PersonalAccount struct {
	UserID       int64
	AuthProvider string
	QueryTokens  *int // Nil means no balance tracked
}

// ModelInfo is one entry of the active model catalog.
type ModelInfo struct {
	ID    int64
	Name  string
	Model string
}

// Storage is the Postgres-backed store for group configuration and usage
// counters.
type Storage struct {
	db *sql.DB
}

// NewStorage opens a Postgres connection for the given DSN.
func NewStorage(dsn string) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Storage{db: db}, nil
}

// NewStorageFromDB wraps an existing database handle. Used in tests.
func NewStorageFromDB(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GroupConfig loads one group's credential configuration. Returns
// sql.ErrNoRows (wrapped) when the group does not exist.
func (s *Storage) GroupConfig(ctx context.Context, groupID int64) (*GroupConfig, error) {
	var (
		gc        GroupConfig
		apiKey    sql.NullString
		secretARN sql.NullString
		model     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, api_key, secret_arn, model, max_queries
		FROM groups
		WHERE id = $1`, groupID,
	).Scan(&gc.GroupID, &gc.Name, &gc.Enabled, &apiKey, &secretARN, &model, &gc.MaxQueries)
	if err != nil {
		return nil, fmt.Errorf("failed to load group %d: %w", groupID, err)
	}
	gc.APIKey = apiKey.String
	gc.SecretARN = secretARN.String
	gc.Model = model.String
	return &gc, nil
}

// QueriesUsed returns the caller's consumed-query counter in the group.
// A caller with no usage row has used zero queries.
func (s *Storage) QueriesUsed(ctx context.Context, userID, groupID int64) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx, `
		SELECT queries_used
		FROM group_members
		WHERE user_id = $1 AND group_id = $2`, userID, groupID,
	).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load usage for user %d in group %d: %w", userID, groupID, err)
	}
	return used, nil
}

// SpendGroupQuery increments the caller's consumed-query counter, guarded by
// the group's budget in the same statement. Returns false without mutating
// when the budget is already exhausted.
func (s *Storage) SpendGroupQuery(ctx context.Context, userID, groupID int64, maxQueries int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE group_members
		SET queries_used = queries_used + 1
		WHERE user_id = $1 AND group_id = $2 AND queries_used < $3`,
		userID, groupID, maxQueries)
	if err != nil {
		return false, fmt.Errorf("failed to spend query for user %d in group %d: %w", userID, groupID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

// ResetUsage sets every member's consumed-query counter in the group back to
// zero. Administrative operation; returns the number of members reset.
func (s *Storage) ResetUsage(ctx context.Context, groupID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE group_members
		SET queries_used = 0
		WHERE group_id = $1`, groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset usage for group %d: %w", groupID, err)
	}
	return res.RowsAffected()
}

// PersonalAccount loads the caller's personal token balance and auth
// provider.
func (s *Storage) PersonalAccount(ctx context.Context, userID int64) (*PersonalAccount, error) {
	var (
		acct   PersonalAccount
		tokens sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, auth_provider, query_tokens
		FROM users
		WHERE id = $1`, userID,
	).Scan(&acct.UserID, &acct.AuthProvider, &tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to load account for user %d: %w", userID, err)
	}
	if tokens.Valid {
		n := int(tokens.Int64)
		acct.QueryTokens = &n
	}
	return &acct, nil
}

// SpendToken decrements the caller's personal token balance, guarded against
// going negative in the same statement. Returns false without mutating when
// the balance is already zero.
func (s *Storage) SpendToken(ctx context.Context, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET query_tokens = query_tokens - 1
		WHERE id = $1 AND query_tokens > 0`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to spend token for user %d: %w", userID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}

// ActiveModels lists the models available for group configuration.
func (s *Storage) ActiveModels(ctx context.Context) ([]ModelInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, model
		FROM models
		WHERE active
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active models: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var models []ModelInfo
	for rows.Next() {
		var m ModelInfo
		if err := rows.Scan(&m.ID, &m.Name, &m.Model); err != nil {
			return nil, fmt.Errorf("failed to scan model row: %w", err)
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate model rows: %w", err)
	}
	return models, nil
}
