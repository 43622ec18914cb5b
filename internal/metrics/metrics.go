// Package metrics holds the Prometheus collectors for the dispatch engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "smsleopard"

// Metrics groups the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Attempts     *prometheus.CounterVec
	Jobs         *prometheus.CounterVec
	Receipts     *prometheus.CounterVec
	Inbound      *prometheus.CounterVec
	ActiveRuns   prometheus.Gauge
	SendDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Transport send attempts by result.",
		}, []string{"result"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Dispatch jobs reaching a terminal outcome.",
		}, []string{"outcome"}),
		Receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "receipts_total",
			Help:      "Delivery receipts ingested by status.",
		}, []string{"status"}),
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "inbound_total",
			Help:      "Inbound replies by attribution result.",
		}, []string{"result"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "active_runs",
			Help:      "Campaign dispatch runs currently executing.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Latency of transport send calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Jobs, m.Receipts, m.Inbound, m.ActiveRuns, m.SendDuration)
	}
	return m
}

func (m *Metrics) Attempt(result string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Job(outcome string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Receipt(status string) {
	if m == nil {
		return
	}
	m.Receipts.WithLabelValues(status).Inc()
}

func (m *Metrics) InboundEvent(result string) {
	if m == nil {
		return
	}
	m.Inbound.WithLabelValues(result).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) RunStopped() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}

func (m *Metrics) ObserveSend(seconds float64) {
	if m == nil {
		return
	}
	m.SendDuration.Observe(seconds)
}
