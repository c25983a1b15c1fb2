// Package metrics implements the Prometheus collectors surfaced at
// GET /metrics: one counter per ref outcome the phase engine
// classifies, the backoff gauge, CAS conflicts, and callback attempts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the Prometheus collectors this worker registers.
type Metrics struct {
	RefsCompleted    prometheus.Counter
	RefsSkipped      prometheus.Counter
	RefsFailed       prometheus.Counter
	RefsRateLimited  prometheus.Counter
	PhaseFires       *prometheus.CounterVec
	BackoffStreak    prometheus.Gauge
	CallbackAttempts *prometheus.CounterVec
	CASConflicts     prometheus.Counter
}

// New registers and returns a Metrics bound to reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RefsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkocr_refs_completed_total",
			Help: "Refs that completed OCR extraction successfully.",
		}),
		RefsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkocr_refs_skipped_total",
			Help: "Refs skipped because they already carried OCR text.",
		}),
		RefsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkocr_refs_failed_total",
			Help: "Refs that reached a terminal error state.",
		}),
		RefsRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkocr_refs_rate_limited_total",
			Help: "Ref outcomes classified as rate-limit.",
		}),
		PhaseFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkocr_phase_fires_total",
			Help: "Phase engine fires, labeled by phase.",
		}, []string{"phase"}),
		BackoffStreak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chunkocr_backoff_consecutive_errors",
			Help: "Consecutive rate-limit errors across all active chunks, last-fire value.",
		}),
		CallbackAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkocr_callback_attempts_total",
			Help: "Callback POST attempts, labeled by outcome.",
		}, []string{"outcome"}),
		CASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkocr_cas_conflicts_total",
			Help: "CAS append_version conflicts observed during PUBLISH.",
		}),
	}

	reg.MustRegister(m.RefsCompleted, m.RefsSkipped, m.RefsFailed, m.RefsRateLimited,
		m.PhaseFires, m.BackoffStreak, m.CallbackAttempts, m.CASConflicts)
	return m
}
