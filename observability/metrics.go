// Package observability exports cns metrics to Prometheus.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coregx/cns"
)

// Metrics implements cns.Metrics with Prometheus instruments.
type Metrics struct {
	EndpointJobsTotal prometheus.Counter
	AttemptsTotal     *prometheus.CounterVec
	AttemptLatency    *prometheus.HistogramVec
	OutcomesTotal     *prometheus.CounterVec
	JobsInFlightGauge prometheus.Gauge
}

var _ cns.Metrics = (*Metrics)(nil)

// NewMetrics creates the cns instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EndpointJobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cns_endpoint_jobs_enqueued_total",
			Help: "Endpoint publish jobs emitted by the producer.",
		}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cns_delivery_attempts_total",
			Help: "Delivery attempts by protocol and result.",
		}, []string{"protocol", "ok"}),
		AttemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cns_delivery_attempt_seconds",
			Help:    "Duration of one delivery attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cns_delivery_outcomes_total",
			Help: "Final delivery outcomes by protocol.",
		}, []string{"protocol", "outcome"}),
		JobsInFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cns_jobs_in_flight",
			Help: "Endpoint publish jobs currently being delivered.",
		}),
	}
	reg.MustRegister(m.EndpointJobsTotal, m.AttemptsTotal, m.AttemptLatency, m.OutcomesTotal, m.JobsInFlightGauge)
	return m
}

// EndpointJobsEnqueued implements cns.Metrics.
func (m *Metrics) EndpointJobsEnqueued(n int) {
	m.EndpointJobsTotal.Add(float64(n))
}

// DeliveryAttempt implements cns.Metrics.
func (m *Metrics) DeliveryAttempt(protocol string, ok bool, took time.Duration) {
	m.AttemptsTotal.WithLabelValues(protocol, strconv.FormatBool(ok)).Inc()
	m.AttemptLatency.WithLabelValues(protocol).Observe(took.Seconds())
}

// DeliveryOutcome implements cns.Metrics.
func (m *Metrics) DeliveryOutcome(protocol, outcome string) {
	m.OutcomesTotal.WithLabelValues(protocol, outcome).Inc()
}

// JobsInFlight implements cns.Metrics.
func (m *Metrics) JobsInFlight(n int) {
	m.JobsInFlightGauge.Set(float64(n))
}
