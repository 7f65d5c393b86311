// Copyright 2025 Kadir Pekel
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

// Package observability exposes Prometheus metrics for evaluation
// sessions. All record methods are nil-safe so instrumented code never
// has to branch on whether metrics are enabled.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session-level instruments.
type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	turnsTotal      prometheus.Counter
	questionsTotal  prometheus.Counter
	retriesTotal    prometheus.Counter
	recorderErrors  prometheus.Counter
}

// NewMetrics creates the instruments on a private registry so tests
// can construct them repeatedly without collisions.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_sessions_total",
			Help: "Finished evaluation sessions by terminal state.",
		}, []string{"state"}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_session_duration_seconds",
			Help:    "Wall-clock duration of finished sessions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		turnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arena_turns_total",
			Help: "Conversation turns recorded across all sessions.",
		}),
		questionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arena_qa_questions_total",
			Help: "Clarification questions routed to the QA provider.",
		}),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arena_transport_retries_total",
			Help: "Transport-level retries across all sessions.",
		}),
		recorderErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "arena_recorder_errors_total",
			Help: "Transcript recorder append failures.",
		}),
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSession counts a finished session and its duration.
func (m *Metrics) RecordSession(state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(state).Inc()
	m.sessionDuration.Observe(duration.Seconds())
}

// RecordTurn counts one recorded conversation turn.
func (m *Metrics) RecordTurn() {
	if m == nil {
		return
	}
	m.turnsTotal.Inc()
}

// RecordQuestions counts clarification questions from one session.
func (m *Metrics) RecordQuestions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.questionsTotal.Add(float64(n))
}

// RecordRetries counts transport retries from one session.
func (m *Metrics) RecordRetries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retriesTotal.Add(float64(n))
}

// RecordRecorderError counts a transcript append failure.
func (m *Metrics) RecordRecorderError() {
	if m == nil {
		return
	}
	m.recorderErrors.Inc()
}
