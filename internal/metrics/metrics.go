// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for the decision pipeline.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ices_decision_messages_total",
			Help: "Messages reaching a terminal pipeline state",
		},
		[]string{"state"},
	)

	MessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ices_decision_messages_in_flight",
			Help: "Messages currently being processed",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ices_decision_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	RiskTierTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ices_decision_risk_tier_total",
			Help: "Decisions by risk tier",
		},
		[]string{"tier"},
	)
)

// Provider metrics
var (
	SandboxResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ices_decision_sandbox_results_total",
			Help: "Sandbox outcomes by verdict",
		},
		[]string{"verdict", "timed_out"},
	)

	AIFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ices_decision_ai_fallback_total",
			Help: "AI fallback calls by outcome",
		},
		[]string{"outcome"},
	)

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ices_decision_actions_total",
			Help: "Enforcement actions by label and quarantine",
		},
		[]string{"label", "quarantined"},
	)

	IdempotentHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ices_decision_idempotent_hits_total",
			Help: "Dispatches answered from a previously stored result",
		},
	)
)

// ObserveSandbox records one sandbox outcome.
func ObserveSandbox(verdict string, timedOut bool) {
	SandboxResultsTotal.WithLabelValues(verdict, strconv.FormatBool(timedOut)).Inc()
}

// ObserveAction records one enforcement action.
func ObserveAction(label string, quarantined bool) {
	ActionsTotal.WithLabelValues(label, strconv.FormatBool(quarantined)).Inc()
}
