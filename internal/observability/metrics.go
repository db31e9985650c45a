// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Porybox Contributors

package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the identity service's Prometheus collectors.
type Metrics struct {
	AuthOperations *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	SessionsSwept  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_auth_operations_total",
				Help: "Credential operations by operation and result code",
			},
			[]string{"operation", "result"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "identity_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identity_sessions_swept_total",
			Help: "Expired sessions removed by the sweeper",
		}),
	}

	reg.MustRegister(m.AuthOperations, m.HTTPRequests, m.HTTPDuration, m.SessionsSwept)
	return m
}

// RecordAuthOutcome counts one credential operation.
func (m *Metrics) RecordAuthOutcome(operation, result string) {
	m.AuthOperations.WithLabelValues(operation, result).Inc()
}

// RecordHTTPRequest counts one served request and observes its latency.
func (m *Metrics) RecordHTTPRequest(route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordSessionsSwept adds n removed sessions.
func (m *Metrics) RecordSessionsSwept(n int64) {
	if n > 0 {
		m.SessionsSwept.Add(float64(n))
	}
}
