package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the council service
type Metrics struct {
	// Council run metrics
	CouncilRuns      *prometheus.CounterVec // outcome: complete / awaiting_human / failed
	StageDuration    *prometheus.HistogramVec
	RunErrors        *prometheus.CounterVec // kind: council_quorum_lost, no_capable_model, ...
	SubstitutesUsed  prometheus.Counter
	BallotsDiscarded prometheus.Counter

	// Provider metrics
	ProviderErrors *prometheus.CounterVec // category: transient / permanent
	ProbeResults   *prometheus.CounterVec // result: ok / failed

	// Registry metrics
	RefreshDuration prometheus.Histogram
	UnifiedModels   prometheus.Gauge
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	metrics := &Metrics{
		CouncilRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "council_runs_total",
			Help: "Total number of council runs by outcome",
		}, []string{"outcome"}),

		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_stage_duration_seconds",
			Help:    "Stage wall-clock duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),

		RunErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "council_run_errors_total",
			Help: "Total number of fatal run errors by kind",
		}, []string{"kind"}),

		SubstitutesUsed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "council_substitutes_used_total",
			Help: "Total number of substitute activations",
		}),

		BallotsDiscarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "council_ballots_discarded_total",
			Help: "Total number of malformed ballots discarded",
		}),

		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "council_provider_errors_total",
			Help: "Total number of provider errors by category",
		}, []string{"category"}),

		ProbeResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "council_probe_results_total",
			Help: "Total number of latency probe results",
		}, []string{"result"}),

		RefreshDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "council_registry_refresh_duration_seconds",
			Help:    "Unified model registry refresh duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),

		UnifiedModels: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "council_unified_models",
			Help: "Number of unified model rows after the last refresh",
		}),
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance (nil before InitMetrics)
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordRun records a council run outcome
func (m *Metrics) RecordRun(outcome string) {
	m.CouncilRuns.WithLabelValues(outcome).Inc()
}

// RecordStage records a stage duration
func (m *Metrics) RecordStage(stage string, seconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordRunError records a fatal run error
func (m *Metrics) RecordRunError(kind string) {
	m.RunErrors.WithLabelValues(kind).Inc()
}

// RecordProviderError records a classified provider error
func (m *Metrics) RecordProviderError(category string) {
	m.ProviderErrors.WithLabelValues(category).Inc()
}

// RecordProbe records a latency probe result
func (m *Metrics) RecordProbe(ok bool) {
	if ok {
		m.ProbeResults.WithLabelValues("ok").Inc()
	} else {
		m.ProbeResults.WithLabelValues("failed").Inc()
	}
}
