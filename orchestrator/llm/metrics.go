// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	completionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_completions_total",
			Help: "Completion calls by backend and outcome.",
		},
		[]string{"backend", "status"},
	)

	completionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_completion_duration_seconds",
			Help:    "Completion call latency by backend.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)
)

// recordCompletion records one completion call. Status is "ok" for a
// successful reply and the error kind otherwise.
func recordCompletion(backend BackendType, status string, elapsed time.Duration) {
	completionsTotal.WithLabelValues(string(backend), status).Inc()
	completionDuration.WithLabelValues(string(backend)).Observe(elapsed.Seconds())
}
