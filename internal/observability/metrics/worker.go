package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	extractTotal      *prometheus.CounterVec
	extractDuration   *prometheus.HistogramVec
	extractInFlight   prometheus.Gauge
	extractConfidence *prometheus.HistogramVec
	extractCostTotal  *prometheus.CounterVec
	tierFailuresTotal *prometheus.CounterVec
	quotaDenialsTotal *prometheus.CounterVec
	manualReviewTotal *prometheus.CounterVec

	cacheHitsTotal      *prometheus.CounterVec
	cacheMissesTotal    *prometheus.CounterVec
	cacheEvictionsTotal *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	extractTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subex",
			Subsystem: "worker",
			Name:      "extractions_total",
			Help:      "Total finished extractions by resolving method.",
		},
		[]string{"service", "method"},
	)
	extractDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "subex",
			Subsystem: "worker",
			Name:      "extraction_duration_seconds",
			Help:      "Extraction chain duration in seconds by resolving method.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)
	extractInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "subex",
			Subsystem: "worker",
			Name:      "extractions_in_flight",
			Help:      "Number of in-flight extraction chains.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	extractConfidence := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "subex",
			Subsystem: "worker",
			Name:      "extraction_confidence",
			Help:      "Distribution of final confidence by resolving method.",
			Buckets:   []float64{0, 0.25, 0.5, 0.55, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		},
		[]string{"service", "method"},
	)
	extractCostTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subex",
			Subsystem: "worker",
			Name:      "extraction_cost_total",
			Help:      "Accumulated extraction cost by resolving method.",
		},
		[]string{"service", "method"},
	)
	tierFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subex",
			Subsystem: "worker",
			Name:      "tier_failures_total",
			Help:      "Total tier failures that caused a fallthrough.",
		},
		[]string{"service", "tier"},
	)
	quotaDenialsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subex",
			Subsystem: "quota",
			Name:      "denials_total",
			Help:      "Total quota denials by governed service.",
		},
		[]string{"service", "quota_service"},
	)
	manualReviewTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subex",
			Subsystem: "worker",
			Name:      "manual_review_total",
			Help:      "Total documents handed over to manual review.",
		},
		[]string{"service"},
	)
	cacheHitsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subex",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total cache hits by namespace.",
		},
		[]string{"service", "namespace"},
	)
	cacheMissesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subex",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total cache misses by namespace.",
		},
		[]string{"service", "namespace"},
	)
	cacheEvictionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subex",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total cache evictions by namespace and cause.",
		},
		[]string{"service", "namespace", "cause"},
	)

	registry.MustRegister(
		extractTotal,
		extractDuration,
		extractInFlight,
		extractConfidence,
		extractCostTotal,
		tierFailuresTotal,
		quotaDenialsTotal,
		manualReviewTotal,
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
	)

	return &WorkerMetrics{
		registry:          registry,
		extractTotal:      extractTotal,
		extractDuration:   extractDuration,
		extractInFlight:   extractInFlight,
		extractConfidence: extractConfidence,
		extractCostTotal:  extractCostTotal,
		tierFailuresTotal: tierFailuresTotal,
		quotaDenialsTotal: quotaDenialsTotal,
		manualReviewTotal: manualReviewTotal,

		cacheHitsTotal:      cacheHitsTotal,
		cacheMissesTotal:    cacheMissesTotal,
		cacheEvictionsTotal: cacheEvictionsTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartExtraction() {
	m.extractInFlight.Inc()
}

func (m *WorkerMetrics) FinishExtraction(service, method string, confidence, cost float64, duration time.Duration) {
	m.extractInFlight.Dec()

	if method == "" {
		method = "unknown"
	}
	m.extractTotal.WithLabelValues(service, method).Inc()
	m.extractDuration.WithLabelValues(service, method).Observe(duration.Seconds())
	m.extractConfidence.WithLabelValues(service, method).Observe(confidence)
	if cost > 0 {
		m.extractCostTotal.WithLabelValues(service, method).Add(cost)
	}
	if method == "manual_review" {
		m.manualReviewTotal.WithLabelValues(service).Inc()
	}
}

func (m *WorkerMetrics) RecordTierFailure(service, tier string) {
	if tier == "" {
		tier = "unknown"
	}
	m.tierFailuresTotal.WithLabelValues(service, tier).Inc()
}

func (m *WorkerMetrics) RecordQuotaDenial(service, quotaService string) {
	m.quotaDenialsTotal.WithLabelValues(service, quotaService).Inc()
}

func (m *WorkerMetrics) CacheHit(service, namespace string) {
	m.cacheHitsTotal.WithLabelValues(service, namespace).Inc()
}

func (m *WorkerMetrics) CacheMiss(service, namespace string) {
	m.cacheMissesTotal.WithLabelValues(service, namespace).Inc()
}

func (m *WorkerMetrics) CacheEviction(service, namespace, cause string) {
	if cause == "" {
		cause = "unknown"
	}
	m.cacheEvictionsTotal.WithLabelValues(service, namespace, cause).Inc()
}
