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

// Package metrics exposes ingestion counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives pipeline outcomes.
type Recorder interface {
	ObserveAttempt(category, status, reason string, durationSeconds float64)
	IncInfraFailure(stage string)
	IncCleanupFailure(stage string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) ObserveAttempt(string, string, string, float64) {}
func (Noop) IncInfraFailure(string)                         {}
func (Noop) IncCleanupFailure(string)                       {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	attempts        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	infraFailures   *prometheus.CounterVec
	cleanupFailures *prometheus.CounterVec
	once            sync.Once
}

// NewProm creates the collectors and registers them with the default registry.
func NewProm(namespace string) *Prom {
	p := &Prom{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_attempts_total",
			Help:      "Ingestion attempts by category, terminal status and reason",
		}, []string{"category", "status", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Ingestion attempt latency by terminal status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		infraFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_infra_failures_total",
			Help:      "Infrastructure failures by pipeline stage",
		}, []string{"stage"}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_cleanup_failures_total",
			Help:      "Failed cleanups (artifact removal, claim release) by stage",
		}, []string{"stage"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.attempts, p.duration, p.infraFailures, p.cleanupFailures)
	})
}

func (p *Prom) ObserveAttempt(category, status, reason string, durationSeconds float64) {
	if reason == "" {
		reason = "none"
	}
	p.attempts.WithLabelValues(category, status, reason).Inc()
	p.duration.WithLabelValues(status).Observe(durationSeconds)
}

func (p *Prom) IncInfraFailure(stage string) {
	p.infraFailures.WithLabelValues(stage).Inc()
}

func (p *Prom) IncCleanupFailure(stage string) {
	p.cleanupFailures.WithLabelValues(stage).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
