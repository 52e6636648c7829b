// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"codehelp/platform/orchestrator/llm"
)

// ParseTopics parses a topic-extraction reply strictly as a JSON array of
// strings. Anything else, including valid JSON wrapped in prose, yields an
// empty list.
func ParseTopics(text string) []string {
	var topics []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &topics); err != nil {
		return []string{}
	}
	return topics
}

// ExtractTopics labels the concepts a stored query's exchange revealed
// difficulty with. Best-effort: a backend failure or an unparseable reply
// yields an empty list, never an error for the caller. Topics persist to the
// query's row only when parsing succeeds.
func (o *Orchestrator) ExtractTopics(ctx context.Context, requestID string, cred llm.Credential, queryID uuid.UUID) ([]string, error) {
	if o.audit == nil {
		return nil, fmt.Errorf("audit store is not configured")
	}

	rec, err := o.audit.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	// An error-variant answer carries the failure text in Main; never label
	// topics from it.
	if rec.Answer == nil || rec.Answer.Kind == AnswerError || rec.Answer.Main == "" {
		return []string{}, nil
	}

	in := Inputs{
		Context: rec.ContextText,
		Code:    rec.Code,
		Error:   rec.Error,
		Issue:   rec.Issue,
	}
	res := o.gw.Complete(ctx, requestID, llm.CompletionRequest{
		Credential:  cred,
		Messages:    TopicsPrompt(in, rec.Answer.Main),
		Temperature: completionTemperature,
	})

	topics := ParseTopics(res.Text)
	if len(topics) == 0 {
		o.log.Warn(requestID, "topic extraction yielded no parseable topics", map[string]any{
			"query_id": queryID.String(),
			"error":    res.Error,
		})
		return []string{}, nil
	}

	if err := o.audit.SetTopics(ctx, queryID, res.Text); err != nil {
		return topics, err
	}
	return topics, nil
}
