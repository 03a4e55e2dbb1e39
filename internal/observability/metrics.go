// Package observability holds Pugmark's Prometheus metrics and logger setup.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters and histograms for the scoring service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Assessments    *prometheus.CounterVec   // labels: species, status
	Probability    *prometheus.HistogramVec // labels: species
	BatchSize      prometheus.Histogram
	BatchDuration  prometheus.Histogram
	IncidentsTotal prometheus.Counter

	// Covariate lookups.
	FeatureLookups  *prometheus.CounterVec   // labels: provider, outcome={success,error,partial}
	FeatureCache    *prometheus.CounterVec   // labels: result={hit,miss}
	FeatureDuration *prometheus.HistogramVec // labels: provider

	// Geocoding.
	GeocodeRequests *prometheus.CounterVec // labels: level, outcome={success,error,empty}
	GeocodeCache    *prometheus.CounterVec // labels: result={hit,miss}

	ExportErrors *prometheus.CounterVec // labels: sink
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsWithRegistry registers all metrics with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pugmark",
			Name:      "assessments_total",
			Help:      "Scored assessments by species and status.",
		}, []string{"species", "status"}),
		Probability: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pugmark",
			Name:      "suitability_probability",
			Help:      "Distribution of habitat-suitability probabilities.",
			Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}, []string{"species"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pugmark",
			Name:      "batch_size",
			Help:      "Number of incidents per batch request.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pugmark",
			Name:      "batch_duration_seconds",
			Help:      "Duration of a complete batch scoring request.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		IncidentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pugmark",
			Name:      "incidents_ingested_total",
			Help:      "Incidents accepted for scoring.",
		}),
		FeatureLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pugmark",
			Name:      "feature_lookups_total",
			Help:      "Covariate lookups by provider and outcome.",
		}, []string{"provider", "outcome"}),
		FeatureCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pugmark",
			Name:      "feature_cache_total",
			Help:      "Covariate cache lookups by result.",
		}, []string{"result"}),
		FeatureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pugmark",
			Name:      "feature_lookup_duration_seconds",
			Help:      "Covariate lookup duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pugmark",
			Name:      "geocode_requests_total",
			Help:      "Geocoding requests by address level and outcome.",
		}, []string{"level", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pugmark",
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		ExportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pugmark",
			Name:      "export_errors_total",
			Help:      "Failed assessment exports by sink.",
		}, []string{"sink"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Assessments,
		m.Probability,
		m.BatchSize,
		m.BatchDuration,
		m.IncidentsTotal,
		m.FeatureLookups,
		m.FeatureCache,
		m.FeatureDuration,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.ExportErrors,
	}
}

// ObserveAssessment records one scored assessment.
func (m *Metrics) ObserveAssessment(species, status string, probability float64) {
	if m == nil {
		return
	}
	m.Assessments.WithLabelValues(species, status).Inc()
	if status == "HIGH" || status == "LOW" {
		m.Probability.WithLabelValues(species).Observe(probability)
	}
}

// ObserveBatch records the size and duration of a batch.
func (m *Metrics) ObserveBatch(size int, seconds float64) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
	m.BatchDuration.Observe(seconds)
}

// IncIncidents counts accepted incidents.
func (m *Metrics) IncIncidents(n int) {
	if m == nil {
		return
	}
	m.IncidentsTotal.Add(float64(n))
}

// ObserveFeatureLookup records a covariate lookup.
func (m *Metrics) ObserveFeatureLookup(provider, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.FeatureLookups.WithLabelValues(provider, outcome).Inc()
	m.FeatureDuration.WithLabelValues(provider).Observe(seconds)
}

// ObserveFeatureCache records a covariate cache hit or miss.
func (m *Metrics) ObserveFeatureCache(hit bool) {
	if m == nil {
		return
	}
	m.FeatureCache.WithLabelValues(hitLabel(hit)).Inc()
}

// ObserveGeocode records a geocoding request at an address level.
func (m *Metrics) ObserveGeocode(level, outcome string) {
	if m == nil {
		return
	}
	m.GeocodeRequests.WithLabelValues(level, outcome).Inc()
}

// ObserveGeocodeCache records a geocoding cache hit or miss.
func (m *Metrics) ObserveGeocodeCache(hit bool) {
	if m == nil {
		return
	}
	m.GeocodeCache.WithLabelValues(hitLabel(hit)).Inc()
}

// IncExportError counts a failed export to sink.
func (m *Metrics) IncExportError(sink string) {
	if m == nil {
		return
	}
	m.ExportErrors.WithLabelValues(sink).Inc()
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
