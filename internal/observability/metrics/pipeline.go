package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

var _ ports.PipelineObserver = (*PipelineMetrics)(nil)

// PipelineMetrics implements ports.PipelineObserver on Prometheus collectors.
type PipelineMetrics struct {
	service string

	sourceTotal     *prometheus.CounterVec
	sourceDuration  *prometheus.HistogramVec
	fusionCands     *prometheus.HistogramVec
	rerankTotal     *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	claimsTotal     *prometheus.CounterVec
	confidenceAdj   prometheus.Histogram
	rebuildTotal    *prometheus.CounterVec
	rebuildDuration prometheus.Histogram
	indexDocuments  prometheus.Gauge
}

func NewPipelineMetrics(service string, registerer prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		service: service,
		sourceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "source_total",
			Help:      "Retrieval source outcomes by source and status.",
		}, []string{"service", "source", "status"}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "source_duration_seconds",
			Help:      "Retrieval source latency in seconds.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"service", "source"}),
		fusionCands: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fusion",
			Name:      "candidates",
			Help:      "Fused candidate count per query.",
			Buckets:   []float64{0, 5, 10, 25, 50, 75, 100},
		}, []string{"service", "mode"}),
		rerankTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rerank",
			Name:      "served_total",
			Help:      "Rerank requests by the provider that served them.",
		}, []string{"service", "provider", "reranked"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Semantic cache lookups by tier and result.",
		}, []string{"service", "tier", "result"}),
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "claims_total",
			Help:      "Verified and flagged claims.",
		}, []string{"service", "outcome"}),
		confidenceAdj: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "verification",
			Name:        "confidence_adjustment",
			Help:        "Confidence adjustment per verified answer.",
			Buckets:     []float64{-1, -0.5, -0.25, -0.1, -0.05, 0},
			ConstLabels: prometheus.Labels{"service": service},
		}),
		rebuildTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyword_index",
			Name:      "rebuilds_total",
			Help:      "Keyword index rebuilds by status.",
		}, []string{"service", "status"}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "keyword_index",
			Name:        "rebuild_duration_seconds",
			Help:        "Keyword index rebuild duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{"service": service},
		}),
		indexDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "keyword_index",
			Name:        "documents",
			Help:        "Chunks in the current keyword index generation.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
	}
	registerer.MustRegister(
		m.sourceTotal,
		m.sourceDuration,
		m.fusionCands,
		m.rerankTotal,
		m.cacheLookups,
		m.claimsTotal,
		m.confidenceAdj,
		m.rebuildTotal,
		m.rebuildDuration,
		m.indexDocuments,
	)
	return m
}

func (m *PipelineMetrics) ObserveRetrievalSource(source domain.RetrievalSource, status domain.SourceStatus, elapsed time.Duration) {
	m.sourceTotal.WithLabelValues(m.service, string(source), string(status)).Inc()
	if status != domain.SourceDisabled {
		m.sourceDuration.WithLabelValues(m.service, string(source)).Observe(elapsed.Seconds())
	}
}

func (m *PipelineMetrics) ObserveFusion(mode domain.FusionMode, candidates int) {
	m.fusionCands.WithLabelValues(m.service, string(mode)).Observe(float64(candidates))
}

func (m *PipelineMetrics) ObserveRerank(provider string, reranked bool) {
	if provider == "" {
		provider = "none"
	}
	m.rerankTotal.WithLabelValues(m.service, provider, strconv.FormatBool(reranked)).Inc()
}

func (m *PipelineMetrics) ObserveCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	if tier == "" {
		tier = "none"
	}
	m.cacheLookups.WithLabelValues(m.service, tier, result).Inc()
}

func (m *PipelineMetrics) ObserveVerification(claims, flagged int, adjustment float64) {
	if claims <= 0 {
		return
	}
	m.claimsTotal.WithLabelValues(m.service, "verified").Add(float64(claims - flagged))
	m.claimsTotal.WithLabelValues(m.service, "flagged").Add(float64(flagged))
	m.confidenceAdj.Observe(adjustment)
}

func (m *PipelineMetrics) ObserveIndexRebuild(documents int, elapsed time.Duration, err error) {
	if err != nil {
		m.rebuildTotal.WithLabelValues(m.service, "error").Inc()
		return
	}
	m.rebuildTotal.WithLabelValues(m.service, "success").Inc()
	m.rebuildDuration.Observe(elapsed.Seconds())
	m.indexDocuments.Set(float64(documents))
}
