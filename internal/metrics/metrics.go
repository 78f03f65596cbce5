// Package metrics exposes the pipeline's Prometheus instruments. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every instrument registered by New.
type Metrics struct {
	FetchAttempts       *prometheus.CounterVec
	Days                *prometheus.CounterVec
	DaysInFlight        prometheus.Gauge
	DayDuration         *prometheus.HistogramVec
	Batches             *prometheus.CounterVec
	ObservationsWritten prometheus.Counter
	ObservationsFailed  *prometheus.CounterVec
	MalformedRecords    prometheus.Counter
	BuildInfo           *prometheus.GaugeVec
}

// New registers the instruments with reg. Use prometheus.NewRegistry() in
// tests so registrations do not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FetchAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocdispatch_fetch_attempts_total",
				Help: "Provider API requests by outcome",
			},
			[]string{"outcome"}, // ok, transient, permanent
		),
		Days: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocdispatch_days_total",
				Help: "Day pipelines by final state",
			},
			[]string{"state"}, // done, failed, skipped
		),
		DaysInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ocdispatch_days_in_flight",
				Help: "Day pipelines currently running",
			},
		),
		DayDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ocdispatch_day_duration_seconds",
				Help:    "Wall time of one day pipeline",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
			},
			[]string{"state"},
		),
		Batches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocdispatch_batches_total",
				Help: "Sink batches by outcome",
			},
			[]string{"outcome"}, // ok, partial, failed
		),
		ObservationsWritten: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ocdispatch_observations_written_total",
				Help: "Observations upserted to the sink",
			},
		),
		ObservationsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocdispatch_observations_failed_total",
				Help: "Observations not written, by reason",
			},
			[]string{"reason"}, // rejected, skipped
		),
		MalformedRecords: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ocdispatch_malformed_records_total",
				Help: "Provider records skipped by the expander or decoder",
			},
		),
		BuildInfo: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ocdispatch_info",
				Help: "Service information",
			},
			[]string{"version", "service"},
		),
	}
}

func (m *Metrics) FetchAttempt(outcome string) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DayStarted() {
	if m == nil {
		return
	}
	m.DaysInFlight.Inc()
}

// DayFinished records a day that reached a terminal state after running
// for d. Skipped days are counted without touching the in-flight gauge.
func (m *Metrics) DayFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.Days.WithLabelValues(state).Inc()
	if state == "skipped" {
		return
	}
	m.DaysInFlight.Dec()
	m.DayDuration.WithLabelValues(state).Observe(d.Seconds())
}

// Batch records one sink batch of size n of which failed ids were rejected.
func (m *Metrics) Batch(n, failed int) {
	if m == nil {
		return
	}
	switch {
	case failed == 0:
		m.Batches.WithLabelValues("ok").Inc()
	case failed < n:
		m.Batches.WithLabelValues("partial").Inc()
	default:
		m.Batches.WithLabelValues("failed").Inc()
	}
	m.ObservationsWritten.Add(float64(n - failed))
	if failed > 0 {
		m.ObservationsFailed.WithLabelValues("rejected").Add(float64(failed))
	}
}

func (m *Metrics) Skipped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ObservationsFailed.WithLabelValues("skipped").Add(float64(n))
}

func (m *Metrics) Malformed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.MalformedRecords.Add(float64(n))
}

func (m *Metrics) SetInfo(version, service string) {
	if m == nil {
		return
	}
	m.BuildInfo.WithLabelValues(version, service).Set(1)
}
