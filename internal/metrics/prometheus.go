package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedwagon-io/relaywatch/internal/model"
)

// Metrics holds all Prometheus metrics of the collector
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	HeartbeatsReceived *prometheus.CounterVec
	HeartbeatsRejected *prometheus.CounterVec

	// Fleet metrics
	UnitsByStatus *prometheus.GaugeVec
	FleetIssues   prometheus.Gauge
	OpenIncidents prometheus.Gauge

	// Monitor metrics
	CycleDuration prometheus.Histogram
	CycleErrors   prometheus.Counter

	// Remediation metrics
	RemediationAttempts *prometheus.CounterVec
	RemediationSkipped  *prometheus.CounterVec
}

// NewMetrics creates the metrics on a dedicated registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HeartbeatsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywatch_heartbeats_received_total",
				Help: "Total number of heartbeats stored",
			},
			[]string{"source"},
		),

		HeartbeatsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywatch_heartbeats_rejected_total",
				Help: "Total number of heartbeats rejected",
			},
			[]string{"source", "reason"},
		),

		UnitsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relaywatch_units",
				Help: "Number of units per health status in the last cycle",
			},
			[]string{"status"},
		),

		FleetIssues: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaywatch_fleet_issues",
				Help: "Number of issues across the fleet in the last cycle",
			},
		),

		OpenIncidents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaywatch_open_incidents",
				Help: "Number of open incidents",
			},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relaywatch_cycle_duration_seconds",
				Help:    "Duration of evaluation and remediation cycles",
				Buckets: prometheus.DefBuckets,
			},
		),

		CycleErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaywatch_cycle_errors_total",
				Help: "Total number of cycles that failed with an infrastructure error",
			},
		),

		RemediationAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywatch_remediation_attempts_total",
				Help: "Total number of remediation attempts",
			},
			[]string{"method", "result"},
		),

		RemediationSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywatch_remediation_skipped_total",
				Help: "Total number of remediations refused by policy",
			},
			[]string{"reason"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHeartbeat records a stored heartbeat
func (m *Metrics) RecordHeartbeat(source string) {
	m.HeartbeatsReceived.WithLabelValues(source).Inc()
}

// RecordRejected records a rejected heartbeat
func (m *Metrics) RecordRejected(source, reason string) {
	m.HeartbeatsRejected.WithLabelValues(source, reason).Inc()
}

// UpdateFleet sets the per-status gauges from one cycle's counts
func (m *Metrics) UpdateFleet(counts map[model.UnitStatus]int, issues int) {
	for _, status := range []model.UnitStatus{
		model.StatusNoData, model.StatusOnline, model.StatusDegraded, model.StatusOffline, model.StatusUnknown,
	} {
		m.UnitsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	m.FleetIssues.Set(float64(issues))
}

// UpdateOpenIncidents sets the open incident gauge
func (m *Metrics) UpdateOpenIncidents(count int) {
	m.OpenIncidents.Set(float64(count))
}

// RecordCycle records a finished cycle
func (m *Metrics) RecordCycle(seconds float64, failed bool) {
	m.CycleDuration.Observe(seconds)
	if failed {
		m.CycleErrors.Inc()
	}
}

// RecordRemediation records an attempt or a policy refusal
func (m *Metrics) RecordRemediation(method string, attempted, succeeded bool, reason string) {
	if !attempted {
		m.RemediationSkipped.WithLabelValues(reason).Inc()
		return
	}

	result := "failure"
	if succeeded {
		result = "success"
	}
	m.RemediationAttempts.WithLabelValues(method, result).Inc()
}
