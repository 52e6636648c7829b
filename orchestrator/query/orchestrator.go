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
	"codehelp/platform/shared/logger"
)

// completionTemperature is the sampling temperature for every pipeline
// completion, matching the service's prompt tuning.
const completionTemperature = 1.0

// AnswerKind discriminates the folded answer variants.
type AnswerKind string

const (
	// AnswerError carries a backend failure text in place of an answer.
	AnswerError AnswerKind = "error"

	// AnswerMain carries the final explanatory text alone.
	AnswerMain AnswerKind = "main"

	// AnswerInsufficient carries a clarification request alongside the
	// best-effort main text.
	AnswerInsufficient AnswerKind = "insufficient"
)

// Answer is the orchestrator's folded output. Exactly one variant is
// populated per completed query.
type Answer struct {
	Kind          AnswerKind
	Main          string
	Clarification string
}

// MarshalJSON stores the answer as a variant-keyed object: {"error": ...},
// {"main": ...}, or {"insufficient": ..., "main": ...}.
func (a Answer) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, 2)
	switch a.Kind {
	case AnswerError:
		m["error"] = a.Main
	case AnswerInsufficient:
		m["insufficient"] = a.Clarification
		m["main"] = a.Main
	default:
		m["main"] = a.Main
	}
	return json.Marshal(m)
}

// UnmarshalJSON restores an answer from its variant-keyed form.
func (a *Answer) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	switch {
	case m["error"] != "":
		a.Kind = AnswerError
		a.Main = m["error"]
	case m["insufficient"] != "":
		a.Kind = AnswerInsufficient
		a.Clarification = m["insufficient"]
		a.Main = m["main"]
	default:
		a.Kind = AnswerMain
		a.Main = m["main"]
	}
	return nil
}

// Completer is the completion surface the pipeline runs against. The
// llm.Gateway implements it.
type Completer interface {
	Complete(ctx context.Context, requestID string, req llm.CompletionRequest) llm.CompletionResult
}

// Orchestrator runs the prompt pipeline. The audit store may be nil when
// persistence is handled elsewhere; RunRecorded and ExtractTopics require it.
type Orchestrator struct {
	gw    Completer
	audit *AuditStore
	log   *logger.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(gw Completer, audit *AuditStore, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.New("query-orchestrator")
	}
	return &Orchestrator{gw: gw, audit: audit, log: log}
}

// RunQuery runs one help request through the pipeline and folds the
// completions into a single answer. The returned slice holds the raw
// completion results in dispatch order (main, optional cleanup, sufficiency)
// for audit storage; it reflects whichever calls actually completed before
// return.
//
// The main and sufficiency prompts are dispatched concurrently. The main
// result is awaited and classified first: a flagged error short-circuits the
// pipeline, and the in-flight sufficiency call is left to finish in the
// background, its result kept only if it already arrived.
func (o *Orchestrator) RunQuery(ctx context.Context, requestID string, cred llm.Credential, in Inputs) (*Answer, []llm.CompletionResult) {
	in = in.Normalize()

	mainCh := make(chan llm.CompletionResult, 1)
	suffCh := make(chan llm.CompletionResult, 1)
	go func() {
		mainCh <- o.gw.Complete(ctx, requestID, llm.CompletionRequest{
			Credential:  cred,
			Messages:    MainPrompt(in),
			Temperature: completionTemperature,
		})
	}()
	go func() {
		suffCh <- o.gw.Complete(ctx, requestID, llm.CompletionRequest{
			Credential:  cred,
			Messages:    SufficiencyPrompt(in),
			Temperature: completionTemperature,
		})
	}()

	var results []llm.CompletionResult

	mainRes := <-mainCh
	results = append(results, mainRes)
	mainText := mainRes.Text

	if mainRes.Error {
		select {
		case suffRes := <-suffCh:
			results = append(results, suffRes)
		default:
		}
		return &Answer{Kind: AnswerError, Main: mainText}, results
	}

	if LeaksCode(mainText) {
		cleanupRes := o.gw.Complete(ctx, requestID, llm.CompletionRequest{
			Credential: cred,
			Messages: []llm.Message{
				{Role: llm.RoleUser, Content: CleanupPrompt(mainText)},
			},
			Temperature: completionTemperature,
		})
		results = append(results, cleanupRes)
		if cleanupRes.Error {
			// Keep the uncleaned text rather than fail the whole answer.
			o.log.Warn(requestID, "cleanup pass failed, keeping original answer text", map[string]any{
				"error_kind": string(cleanupRes.Kind),
			})
		} else {
			mainText = cleanupRes.Text
		}
	}

	suffRes := <-suffCh
	results = append(results, suffRes)

	if Sufficient(suffRes.Text) {
		return &Answer{Kind: AnswerMain, Main: mainText}, results
	}
	return &Answer{
		Kind:          AnswerInsufficient,
		Main:          mainText,
		Clarification: suffRes.Text,
	}, results
}

// RunRecorded persists the query, runs the pipeline, and persists the
// outcome. Returns the stored query's identifier.
func (o *Orchestrator) RunRecorded(ctx context.Context, caller Caller, cred llm.Credential, contextName string, in Inputs) (uuid.UUID, *Answer, error) {
	if o.audit == nil {
		return uuid.Nil, nil, fmt.Errorf("audit store is not configured")
	}

	id, err := o.audit.RecordQuery(ctx, caller, contextName, in)
	if err != nil {
		return uuid.Nil, nil, err
	}

	answer, results := o.RunQuery(ctx, id.String(), cred, in)

	if err := o.audit.RecordAnswer(ctx, id, answer, results); err != nil {
		return id, answer, err
	}
	return id, answer, nil
}

// LeaksCode reports whether an answer appears to contain example code: a
// fenced code block or a "should look like" phrasing.
func LeaksCode(text string) bool {
	return strings.Contains(text, "```") ||
		strings.Contains(text, "should look like") ||
		strings.Contains(text, "should look something like")
}

// Sufficient classifies a sufficiency-check reply. Pure function of the
// text. An upstream error marker counts as sufficient so a failure of the
// secondary check never blocks the primary answer.
func Sufficient(text string) bool {
	return strings.HasSuffix(text, "OK") ||
		strings.Contains(text, "OK.") ||
		strings.Contains(text, "```") ||
		strings.Contains(text, "is sufficient for me") ||
		strings.HasPrefix(text, "Error (")
}
