package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	stageDuration  *prometheus.HistogramVec
	renderAttempts *prometheus.CounterVec
	repairs        *prometheus.CounterVec
	improvements   *prometheus.CounterVec
	reviewScore    prometheus.Histogram
	sessions       *prometheus.CounterVec
	storageErrors  *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mathreel_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		}, []string{"stage", "outcome"}),
		renderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mathreel_render_attempts_total",
			Help: "Render subprocess attempts by outcome",
		}, []string{"outcome"}),
		repairs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mathreel_render_repairs_total",
			Help: "Code repairs after a failed render, by phase",
		}, []string{"phase"}),
		improvements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mathreel_improvements_total",
			Help: "Review-driven improvement attempts by outcome",
		}, []string{"outcome"}),
		reviewScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mathreel_review_score",
			Help:    "Review scores out of 100",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mathreel_sessions_total",
			Help: "Sessions reaching a terminal status",
		}, []string{"status"}),
		storageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mathreel_storage_errors_total",
			Help: "Best-effort persistence failures by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) observeStage(stage, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(seconds)
}

func (m *Metrics) renderAttempt(ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.renderAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) repair(phase string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(phase).Inc()
}

func (m *Metrics) improvement(outcome string) {
	if m == nil {
		return
	}
	m.improvements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) score(n int) {
	if m == nil {
		return
	}
	m.reviewScore.Observe(float64(n))
}

func (m *Metrics) terminal(status string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(status).Inc()
}

func (m *Metrics) storageError(op string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(op).Inc()
}
