// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	Decisions     *prometheus.CounterVec
	Fraud         *prometheus.CounterVec
	QRRedemptions *prometheus.CounterVec
	CheckLatency  prometheus.Histogram
}

// New registers and returns the engine collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartattend_checkin_decisions_total",
			Help: "Check-in decisions by terminal status and reason.",
		}, []string{"status", "reason"}),
		Fraud: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartattend_fraud_evidence_total",
			Help: "Fraud evidence records by type and severity.",
		}, []string{"type", "severity"}),
		QRRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartattend_qr_redemptions_total",
			Help: "QR token redemptions by outcome.",
		}, []string{"outcome"}),
		CheckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartattend_checkin_duration_seconds",
			Help:    "End-to-end self check-in processing latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Decisions, m.Fraud, m.QRRedemptions, m.CheckLatency)
	return m
}
