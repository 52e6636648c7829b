// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"codehelp/platform/orchestrator/llm"
)

// Caller identifies who a stored query belongs to.
type Caller struct {
	UserID  int64
	Role    string
	ClassID *int64
}

// QueryRecord is one stored query with whatever stages have completed so far.
type QueryRecord struct {
	ID          uuid.UUID
	UserID      int64
	Role        string
	ClassID     *int64
	ContextName string
	ContextText string
	Code        string
	Error       string
	Issue       string
	Answer      *Answer         // Nil until the pipeline completes
	Responses   json.RawMessage // Raw completion list, verbatim
	TopicsJSON  string
	Helpful     *int
	CreatedAt   time.Time
}

// Topics parses the stored topic labels, empty when none were extracted.
func (r *QueryRecord) Topics() []string {
	if r.TopicsJSON == "" {
		return nil
	}
	var topics []string
	if err := json.Unmarshal([]byte(r.TopicsJSON), &topics); err != nil {
		return nil
	}
	return topics
}

// AuditStore persists queries, their raw completion lists, and the folded
// answers for later review and topic extraction.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens a Postgres connection for the given DSN.
func NewAuditStore(dsn string) (*AuditStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// NewAuditStoreFromDB wraps an existing database handle. Used in tests.
func NewAuditStoreFromDB(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Close releases the underlying connection pool.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// RecordQuery stores a query's inputs before the pipeline runs and returns
// its generated identifier.
func (s *AuditStore) RecordQuery(ctx context.Context, caller Caller, contextName string, in Inputs) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (id, user_id, role, class_id, context_name, context_text, code, error_text, issue, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		id, caller.UserID, caller.Role, caller.ClassID, contextName, in.Context, in.Code, in.Error, in.Issue)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to record query: %w", err)
	}
	return id, nil
}

// RecordAnswer stores the folded answer and the raw completion list against
// a previously recorded query.
func (s *AuditStore) RecordAnswer(ctx context.Context, id uuid.UUID, answer *Answer, results []llm.CompletionResult) error {
	responseJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal completion results: %w", err)
	}
	answerJSON, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE queries
		SET response_json = $1, answer_json = $2
		WHERE id = $3`,
		responseJSON, answerJSON, id)
	if err != nil {
		return fmt.Errorf("failed to record answer for query %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("query %s not found", id)
	}
	return nil
}

// GetQuery loads a stored query by identifier.
func (s *AuditStore) GetQuery(ctx context.Context, id uuid.UUID) (*QueryRecord, error) {
	var (
		rec        QueryRecord
		classID    sql.NullInt64
		ctxName    sql.NullString
		ctxText    sql.NullString
		answerJSON []byte
		respJSON   []byte
		topicsJSON sql.NullString
		helpful    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, role, class_id, context_name, context_text, code, error_text, issue,
		       answer_json, response_json, topics_json, helpful, created_at
		FROM queries
		WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.UserID, &rec.Role, &classID, &ctxName, &ctxText, &rec.Code, &rec.Error, &rec.Issue,
		&answerJSON, &respJSON, &topicsJSON, &helpful, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load query %s: %w", id, err)
	}

	if classID.Valid {
		v := classID.Int64
		rec.ClassID = &v
	}
	rec.ContextName = ctxName.String
	rec.ContextText = ctxText.String
	if len(answerJSON) > 0 {
		var a Answer
		if err := json.Unmarshal(answerJSON, &a); err != nil {
			return nil, fmt.Errorf("failed to decode answer for query %s: %w", id, err)
		}
		rec.Answer = &a
	}
	rec.Responses = respJSON
	rec.TopicsJSON = topicsJSON.String
	if helpful.Valid {
		v := int(helpful.Int64)
		rec.Helpful = &v
	}
	return &rec, nil
}

// SetTopics stores the raw topic-extraction reply for a query.
func (s *AuditStore) SetTopics(ctx context.Context, id uuid.UUID, topicsJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queries
		SET topics_json = $1
		WHERE id = $2`, topicsJSON, id)
	if err != nil {
		return fmt.Errorf("failed to set topics for query %s: %w", id, err)
	}
	return nil
}

// SetHelpful records the caller's feedback on their own query. Returns false
// when the query does not exist or belongs to another user.
func (s *AuditStore) SetHelpful(ctx context.Context, id uuid.UUID, userID int64, value int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queries
		SET helpful = $1
		WHERE id = $2 AND user_id = $3`, value, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to set helpful flag for query %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows == 1, nil
}
