// Package telemetry exposes Prometheus metrics for the pricing service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Quote path
	QuoteRequests *prometheus.CounterVec
	QuoteDuration *prometheus.HistogramVec
	QuotedPrice   *prometheus.HistogramVec
	ClampsApplied *prometheus.CounterVec

	// Competitor gateway
	CompetitorFetches *prometheus.CounterVec
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec

	// Model lifecycle
	ModelLoads   *prometheus.CounterVec
	RetrainRuns  *prometheus.CounterVec
	DriftChecks  *prometheus.CounterVec
	ActiveModels prometheus.Gauge

	// Outcomes
	OutcomesStored     prometheus.Counter
	OutcomesInvalid    prometheus.Counter
	OutcomesDuplicates prometheus.Counter

	// Experimentation
	VariantAssignments *prometheus.CounterVec
	BanditSelections   *prometheus.CounterVec

	// Streaming
	StreamClients prometheus.Gauge
}

// New creates a metrics set registered against its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		QuoteRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roamrate_quote_requests_total",
				Help: "Total quote requests by pricing method and status",
			},
			[]string{"method", "status"},
		),
		QuoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roamrate_quote_duration_seconds",
				Help:    "Quote pipeline latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method"},
		),
		QuotedPrice: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roamrate_quoted_price",
				Help:    "Distribution of final quoted prices",
				Buckets: prometheus.ExponentialBuckets(25, 1.5, 12),
			},
			[]string{"property"},
		),
		ClampsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roamrate_guardrail_clamps_total",
				Help: "Guardrail interventions by rule",
			},
			[]string{"rule"},
		),

		CompetitorFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roamrate_competitor_fetches_total",
				Help: "Competitor rate fetches by result",
			},
			[]string{"result"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roamrate_cache_hits_total",
				Help: "Cache hits by cache type",
			},
			[]string{"cache"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roamrate_cache_misses_total",
				Help: "Cache misses by cache type",
			},
			[]string{"cache"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "roamrate_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"target"},
		),

		ModelLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roamrate_model_loads_total",
				Help: "Model registry loads by result",
			},
			[]string{"result"},
		),
		RetrainRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roamrate_retrain_runs_total",
				Help: "Retrain attempts by action taken",
			},
			[]string{"action"},
		),
		DriftChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roamrate_drift_checks_total",
				Help: "Drift detector runs by verdict",
			},
			[]string{"verdict"},
		),
		ActiveModels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "roamrate_active_models",
				Help: "Number of models resident in the registry cache",
			},
		),

		OutcomesStored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roamrate_outcomes_stored_total",
				Help: "Outcome records accepted into the store",
			},
		),
		OutcomesInvalid: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roamrate_outcomes_invalid_total",
				Help: "Outcome records rejected by validation",
			},
		),
		OutcomesDuplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roamrate_outcomes_duplicates_total",
				Help: "Outcome records that replaced an existing row",
			},
		),

		VariantAssignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roamrate_variant_assignments_total",
				Help: "Experiment variant assignments",
			},
			[]string{"experiment", "variant"},
		),
		BanditSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roamrate_bandit_selections_total",
				Help: "Bandit arm selections by policy decision",
			},
			[]string{"arm", "policy"},
		),

		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "roamrate_stream_clients",
				Help: "Connected quote stream clients",
			},
		),
	}

	m.registry.MustRegister(
		m.QuoteRequests,
		m.QuoteDuration,
		m.QuotedPrice,
		m.ClampsApplied,
		m.CompetitorFetches,
		m.CacheHits,
		m.CacheMisses,
		m.BreakerState,
		m.ModelLoads,
		m.RetrainRuns,
		m.DriftChecks,
		m.ActiveModels,
		m.OutcomesStored,
		m.OutcomesInvalid,
		m.OutcomesDuplicates,
		m.VariantAssignments,
		m.BanditSelections,
		m.StreamClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests and status endpoints.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}

// QuoteTimer tracks one quote request from entry to response.
type QuoteTimer struct {
	metrics *Metrics
	start   time.Time
}

// StartQuote begins timing a quote request.
func (m *Metrics) StartQuote() *QuoteTimer {
	return &QuoteTimer{metrics: m, start: time.Now()}
}

// Stop records the quote with its pricing method and status.
func (qt *QuoteTimer) Stop(method, status string) {
	d := time.Since(qt.start)
	qt.metrics.QuoteRequests.WithLabelValues(method, status).Inc()
	qt.metrics.QuoteDuration.WithLabelValues(method).Observe(d.Seconds())

	log.Debug().
		Str("method", method).
		Str("status", status).
		Dur("duration", d).
		Msg("quote completed")
}

// RecordClamp notes a guardrail intervention.
func (m *Metrics) RecordClamp(rule string) {
	m.ClampsApplied.WithLabelValues(rule).Inc()
}

// RecordCompetitorFetch notes a gateway fetch result: ok, degraded, or error.
func (m *Metrics) RecordCompetitorFetch(result string) {
	m.CompetitorFetches.WithLabelValues(result).Inc()
}

// RecordAppend folds an outcome batch result into the counters.
func (m *Metrics) RecordAppend(stored, invalid, duplicates int) {
	m.OutcomesStored.Add(float64(stored))
	m.OutcomesInvalid.Add(float64(invalid))
	m.OutcomesDuplicates.Add(float64(duplicates))
}
