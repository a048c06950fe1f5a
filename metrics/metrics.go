// Package metrics exposes Prometheus collectors for analysis runs, LLM
// traffic and graph writes. Every method is safe on a nil *Metrics so
// components can take one optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "kgraph"

// Metrics owns a private registry so multiple engines in one process
// (tests, embedded use) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	progress      prometheus.Gauge
	llmRequests   *prometheus.CounterVec
	llmDuration   *prometheus.HistogramVec
	mergeInput    *prometheus.CounterVec
	mergeOutput   *prometheus.CounterVec
	sinkItems     *prometheus.CounterVec
}

// New builds and registers all collectors under namespace. An empty
// namespace falls back to DefaultNamespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Namespace: namespace}))
	reg.MustRegister(prometheus.NewGoCollector())

	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Analysis runs by outcome.",
		}, []string{"outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time spent in each pipeline phase.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"phase"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_progress_percent",
			Help:      "Progress of the current extraction run.",
		}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Requests sent to the model backend.",
		}, []string{"endpoint", "outcome"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Latency of model backend requests including retries.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),
		mergeInput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_candidates_total",
			Help:      "Items fed into similarity merging.",
		}, []string{"kind"}),
		mergeOutput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_clusters_total",
			Help:      "Clusters produced by similarity merging.",
		}, []string{"kind"}),
		sinkItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_items_total",
			Help:      "Items written to the graph sink.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.runs, m.phaseDuration, m.progress, m.llmRequests,
		m.llmDuration, m.mergeInput, m.mergeOutput, m.sinkItems)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RunFinished counts a run by outcome: completed, cancelled or failed.
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) SetProgress(pct float64) {
	if m == nil {
		return
	}
	m.progress.Set(pct)
}

// ObserveLLM records one logical request (all retries included).
func (m *Metrics) ObserveLLM(endpoint string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.llmRequests.WithLabelValues(endpoint, outcome).Inc()
	m.llmDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveMerge(kind string, in, out int) {
	if m == nil {
		return
	}
	m.mergeInput.WithLabelValues(kind).Add(float64(in))
	m.mergeOutput.WithLabelValues(kind).Add(float64(out))
}

func (m *Metrics) AddSinkItems(kind string, n int) {
	if m == nil {
		return
	}
	m.sinkItems.WithLabelValues(kind).Add(float64(n))
}
