// Package metrics holds the Prometheus collectors exported by edgefix.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgefix"

// Metrics groups the engine's collectors.
type Metrics struct {
	attempts        *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	routeLookups    *prometheus.CounterVec
	leaseReclaims   prometheus.Counter
	deliveries      *prometheus.CounterVec
	inflight        prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_attempts_total",
			Help:      "Resolution attempts by terminal state.",
		}, []string{"state"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_commands_total",
			Help:      "Cloud-to-device commands by command name and result.",
		}, []string{"command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_command_duration_seconds",
			Help:      "Cloud-to-device command latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"command"}),
		routeLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_lookups_total",
			Help:      "Routing cache lookups by result (fresh, stale, fetched, miss).",
		}, []string{"result"}),
		leaseReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_reclaims_total",
			Help:      "Device leases reclaimed after their hard ceiling.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcome_deliveries_total",
			Help:      "Resolution outcome deliveries by sink and result.",
		}, []string{"sink", "result"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_attempts",
			Help:      "Resolution attempts currently holding a device lease.",
		}),
	}

	reg.MustRegister(
		m.attempts,
		m.commands,
		m.commandDuration,
		m.routeLookups,
		m.leaseReclaims,
		m.deliveries,
		m.inflight,
	)
	return m
}

// AttemptFinished counts a terminal attempt.
func (m *Metrics) AttemptFinished(state string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(state).Inc()
}

// CommandInvoked records one command result and its latency.
func (m *Metrics) CommandInvoked(command, result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
	m.commandDuration.WithLabelValues(command).Observe(latency.Seconds())
}

// RouteLookup counts a routing cache lookup.
func (m *Metrics) RouteLookup(result string) {
	if m == nil {
		return
	}
	m.routeLookups.WithLabelValues(result).Inc()
}

// LeaseReclaimed counts a reclaimed lease.
func (m *Metrics) LeaseReclaimed() {
	if m == nil {
		return
	}
	m.leaseReclaims.Inc()
}

// OutcomeDelivered counts an outcome delivery attempt.
func (m *Metrics) OutcomeDelivered(sink, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(sink, result).Inc()
}

// InflightAdd adjusts the in-flight attempt gauge.
func (m *Metrics) InflightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}
