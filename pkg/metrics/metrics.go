// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mTunnel.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tunnel outcome labels.
const (
	StatusClosed   = "closed"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Metrics holds all Prometheus metrics for mTunnel.
type Metrics struct {
	// Tunnel metrics
	ActiveTunnels      *prometheus.GaugeVec
	TunnelsTotal       *prometheus.CounterVec
	TunnelDuration     *prometheus.HistogramVec
	TunnelTerminations *prometheus.CounterVec
	BytesRelayed       *prometheus.CounterVec

	// Error metrics
	AcceptErrors    prometheus.Counter
	EstablishErrors *prometheus.CounterVec
	SockoptErrors   prometheus.Counter

	// Admission metrics
	RateLimited *prometheus.CounterVec

	// Upstream metrics
	UpstreamState *prometheus.GaugeVec
	BreakerTrips  *prometheus.CounterVec
	ProbeDuration *prometheus.HistogramVec

	// Resource metrics
	GoroutinesActive prometheus.Gauge
}

// New creates a new Metrics instance registered with reg. A nil reg uses
// the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mtunnel"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveTunnels: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tunnels",
				Help:      "Number of currently open tunnels",
			},
			[]string{"server"},
		),
		TunnelsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnels_total",
				Help:      "Total number of accepted connections by outcome",
			},
			[]string{"server", "status"},
		),
		TunnelDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tunnel_duration_seconds",
				Help:      "Tunnel lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"server"},
		),
		TunnelTerminations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnel_terminations_total",
				Help:      "Relays ended, by the direction that finished first and how",
			},
			[]string{"direction", "termination"},
		),
		BytesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Bytes copied by the direction that finished first",
			},
			[]string{"direction"},
		),
		AcceptErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accept_errors_total",
				Help:      "Total number of failed accepts",
			},
		),
		EstablishErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "establish_errors_total",
				Help:      "Total number of upstream tunnels that failed to open",
			},
			[]string{"server"},
		),
		SockoptErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sockopt_errors_total",
				Help:      "Total number of failed socket tuning attempts",
			},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_connections_total",
				Help:      "Total number of connections rejected by rate limiting",
			},
			[]string{"limiter_type"},
		),
		UpstreamState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_state",
				Help:      "Upstream circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"server"},
		),
		BreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_breaker_trips_total",
				Help:      "Total number of upstream circuit breaker trips",
			},
			[]string{"server"},
		),
		ProbeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_probe_duration_seconds",
				Help:      "Upstream connect probe latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"server"},
		),
		GoroutinesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of goroutines",
			},
		),
	}
}

// ObserveTunnel tracks a tunnel lifecycle. f returns the outcome status.
func (m *Metrics) ObserveTunnel(server string, f func() string) {
	m.ActiveTunnels.WithLabelValues(server).Inc()
	defer m.ActiveTunnels.WithLabelValues(server).Dec()

	start := time.Now()
	status := f()

	m.TunnelDuration.WithLabelValues(server).Observe(time.Since(start).Seconds())
	m.TunnelsTotal.WithLabelValues(server, status).Inc()
}
