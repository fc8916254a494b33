// Copyright 2025 The axfor Authors
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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "raftkv"
	subsystem = "server"
)

// Metrics holds every Prometheus collector the server exposes.
type Metrics struct {
	// Connection metrics
	ActiveConnections   prometheus.Gauge
	TotalConnections    prometheus.Counter
	RejectedConnections *prometheus.CounterVec

	// Gateway admission metrics
	RateLimitHits *prometheus.CounterVec

	// Storage operation metrics
	StorageOperationDuration *prometheus.HistogramVec
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationErrors   *prometheus.CounterVec

	// Raft metrics
	RaftAppliedIndex    prometheus.Gauge
	RaftCommittedIndex  prometheus.Gauge
	RaftProposalsTotal  prometheus.Counter
	RaftProposalsFailed prometheus.Counter
	RaftLeaderChanges   prometheus.Counter

	// Panic recovery metrics
	PanicsRecovered *prometheus.CounterVec
}

// New creates and registers every metric against registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ActiveConnections: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_connections",
				Help:      "Current number of active client connections",
			},
		),

		TotalConnections: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connections_total",
				Help:      "Total number of connections accepted",
			},
		),

		RejectedConnections: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rejected_connections_total",
				Help:      "Total number of connections rejected",
			},
			[]string{"reason"}, // "limit_exceeded", "rate_limit"
		),

		RateLimitHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limit_hits_total",
				Help:      "Total number of commands throttled by the admission limiter",
			},
			[]string{"command"},
		),

		StorageOperationDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_duration_seconds",
				Help:      "Histogram of durable map operation latencies",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),

		StorageOperationTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_total",
				Help:      "Total number of durable map operations",
			},
			[]string{"operation"},
		),

		StorageOperationErrors: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_errors_total",
				Help:      "Total number of durable map operation errors",
			},
			[]string{"operation", "error"},
		),

		RaftAppliedIndex: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "applied_index",
				Help:      "Highest raft log index applied to the state machine",
			},
		),

		RaftCommittedIndex: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "committed_index",
				Help:      "Highest raft log index committed",
			},
		),

		RaftProposalsTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "proposals_total",
				Help:      "Total number of proposals submitted to raft",
			},
		),

		RaftProposalsFailed: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "proposals_failed_total",
				Help:      "Total number of proposals that never reached the log",
			},
		),

		RaftLeaderChanges: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "leader_changes_total",
				Help:      "Total number of observed raft leadership changes",
			},
		),

		PanicsRecovered: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "panics_recovered_total",
				Help:      "Total number of panics recovered",
			},
			[]string{"goroutine"},
		),
	}

	return m
}

// RecordStorageOperation records a durable map operation's duration and status.
func (m *Metrics) RecordStorageOperation(operation string, status string, duration time.Duration) {
	m.StorageOperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	m.StorageOperationTotal.WithLabelValues(operation).Inc()
}

// RecordStorageError records a durable map operation error.
func (m *Metrics) RecordStorageError(operation string, errorType string) {
	m.StorageOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordRateLimitHit records a command throttled by the gateway's
// admission limiter.
func (m *Metrics) RecordRateLimitHit(command string) {
	m.RateLimitHits.WithLabelValues(command).Inc()
}

// RecordConnectionRejected records a connection the gateway refused to
// admit.
func (m *Metrics) RecordConnectionRejected(reason string) {
	m.RejectedConnections.WithLabelValues(reason).Inc()
}

// RecordPanicRecovered records a panic recovered in the named goroutine.
func (m *Metrics) RecordPanicRecovered(goroutineName string) {
	m.PanicsRecovered.WithLabelValues(goroutineName).Inc()
}
