// Package metrics exposes Prometheus collectors for generation runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metagen"

// Metrics is safe to use through a nil pointer, in which case every
// observation is dropped.
type Metrics struct {
	jobsSubmitted  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	sections       *prometheus.CounterVec
	costRejections prometheus.Counter
	sampleBytes    prometheus.Histogram
	llmCalls       *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Generation jobs accepted by the job manager.",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Generation jobs that reached a terminal status.",
		}, []string{"status"}),
		sections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sections_total",
			Help:      "Section generator invocations by outcome.",
		}, []string{"section", "outcome"}),
		costRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_limit_rejections_total",
			Help:      "Samples rejected because the dry-run estimate exceeded the ceiling.",
		}),
		sampleBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sample_estimated_bytes",
			Help:      "Dry-run byte estimates of sample plans.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 12),
		}),
		llmCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM completions by model and outcome.",
		}, []string{"model", "outcome"}),
	}
}

func (m *Metrics) JobSubmitted() {
	if m == nil {
		return
	}
	m.jobsSubmitted.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) SectionDone(section, outcome string) {
	if m == nil {
		return
	}
	m.sections.WithLabelValues(section, outcome).Inc()
}

func (m *Metrics) CostRejected() {
	if m == nil {
		return
	}
	m.costRejections.Inc()
}

func (m *Metrics) SampleEstimated(bytes int64) {
	if m == nil {
		return
	}
	m.sampleBytes.Observe(float64(bytes))
}

func (m *Metrics) LLMCall(model, outcome string) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model, outcome).Inc()
}
