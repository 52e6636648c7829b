// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

// Package main is the helpdiag diagnostic tool. It drives the full query
// pipeline against the stub backend with a configurable simulated delay,
// using the system credential, and reports per-query latency. No live model
// calls and no database are involved.
//
// Usage:
//
//	./helpdiag -n 10 -concurrency 5 -delay 2s
//
// Environment Variables:
//
//	HELP_SYSTEM_API_KEY - system credential (unused by the stub backend)
//	HELP_SYSTEM_MODEL   - model identifier stamped on results
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"codehelp/platform/orchestrator/access"
	"codehelp/platform/orchestrator/llm"
	"codehelp/platform/orchestrator/query"
	"codehelp/platform/shared/config"
	"codehelp/platform/shared/logger"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		n           = flag.Int("n", 10, "number of queries to run")
		concurrency = flag.Int("concurrency", 5, "queries in flight at once")
		delay       = flag.Duration("delay", 2*time.Second, "simulated backend latency")
	)
	flag.Parse()

	if err := run(*configPath, *n, *concurrency, *delay); err != nil {
		fmt.Fprintf(os.Stderr, "helpdiag: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, n, concurrency int, delay time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New("helpdiag")

	gw, err := llm.NewGateway(llm.BackendConfig{
		Type:      llm.BackendStub,
		StubDelay: delay,
		StubReply: "This is a diagnostic response.",
	}, log)
	if err != nil {
		return err
	}

	resolver := access.NewResolver(nil, nil, access.Config{
		Backend:      llm.BackendStub,
		SystemAPIKey: cfg.System.APIKey,
		SystemModel:  cfg.System.Model,
	}, log)

	ctx := context.Background()
	cred, err := resolver.Resolve(ctx, access.Identity{}, access.ResolveOptions{UseSystemKey: true})
	if err != nil {
		return err
	}

	orch := query.NewOrchestrator(gw, nil, log)
	in := query.Inputs{
		Context: "__DIAG_Context",
		Code:    "__DIAG_Code",
		Error:   "__DIAG_Error",
		Issue:   "__DIAG_Issue",
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var total time.Duration
	var failures int

	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			requestID := uuid.NewString()
			qStart := time.Now()
			answer, results := orch.RunQuery(ctx, requestID, *cred, in)
			elapsed := time.Since(qStart)

			mu.Lock()
			total += elapsed
			if answer.Kind == query.AnswerError {
				failures++
			}
			mu.Unlock()

			log.InfoWithDuration(requestID, "diagnostic query completed", float64(elapsed.Milliseconds()), map[string]any{
				"answer_kind": string(answer.Kind),
				"completions": len(results),
			})
		}()
	}
	wg.Wait()
	wall := time.Since(start)

	avg := time.Duration(0)
	if n > 0 {
		avg = total / time.Duration(n)
	}
	log.Info("", "diagnostic run finished", map[string]any{
		"queries":        n,
		"concurrency":    concurrency,
		"failures":       failures,
		"avg_latency_ms": float64(avg.Milliseconds()),
		"wall_time_ms":   float64(wall.Milliseconds()),
	})
	return nil
}
