package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobSubmitted()
	m.JobSubmitted()
	m.JobFinished("completed")
	m.SectionDone("data_quality", "ok")
	m.CostRejected()
	m.SampleEstimated(5 << 20)
	m.LLMCall("gemini-1.5-pro-002", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.costRejections))

	expected := `
# HELP metagen_sections_total Section generator invocations by outcome.
# TYPE metagen_sections_total counter
metagen_sections_total{outcome="ok",section="data_quality"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "metagen_sections_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobSubmitted()
		m.JobFinished("failed")
		m.SectionDone("x", "failed")
		m.CostRejected()
		m.SampleEstimated(1)
		m.LLMCall("m", "error")
	})
}
