// Package metrics holds the Prometheus collectors for enrollment, dispatch and
// progress. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	enrollments      *prometheus.CounterVec
	dispatchRuns     *prometheus.CounterVec
	dispatchMessages *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	progress         *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enrollments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sequencer_enrollments_total",
				Help: "Enrollment requests by result.",
			},
			[]string{"result"},
		),
		dispatchRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sequencer_dispatch_runs_total",
				Help: "Dispatch runs by outcome.",
			},
			[]string{"outcome"},
		),
		dispatchMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sequencer_dispatch_messages_total",
				Help: "Enrollments seen by dispatch, by stage.",
			},
			[]string{"stage"},
		),
		dispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sequencer_dispatch_duration_seconds",
				Help:    "Wall time of a dispatch run.",
				Buckets: prometheus.DefBuckets,
			},
		),
		progress: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sequencer_progress_total",
				Help: "Delivery outcomes applied to enrollments.",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(m.enrollments, m.dispatchRuns, m.dispatchMessages, m.dispatchDuration, m.progress)
	return m
}

func (m *Metrics) Enrollment(result string) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(result).Inc()
}

// DispatchRun records one run. outcome is "ok", "skipped" or "error".
func (m *Metrics) DispatchRun(outcome string, seconds float64, selected, claimed, emitted int) {
	if m == nil {
		return
	}
	m.dispatchRuns.WithLabelValues(outcome).Inc()
	m.dispatchDuration.Observe(seconds)
	m.dispatchMessages.WithLabelValues("selected").Add(float64(selected))
	m.dispatchMessages.WithLabelValues("claimed").Add(float64(claimed))
	m.dispatchMessages.WithLabelValues("emitted").Add(float64(emitted))
}

func (m *Metrics) Progress(outcome string) {
	if m == nil {
		return
	}
	m.progress.WithLabelValues(outcome).Inc()
}
