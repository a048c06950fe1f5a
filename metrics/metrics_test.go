package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunFinished("completed")
		m.ObservePhase("chunk", time.Second)
		m.SetProgress(50)
		m.ObserveLLM("chat", time.Now(), nil)
		m.ObserveMerge("entity", 3, 2)
		m.AddSinkItems("relation", 4)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New("")

	m.RunFinished("completed")
	m.RunFinished("completed")
	m.RunFinished("cancelled")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("cancelled")))

	m.ObserveLLM("embeddings", time.Now(), errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmRequests.WithLabelValues("embeddings", "error")))

	m.ObserveMerge("entity", 5, 3)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.mergeInput.WithLabelValues("entity")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.mergeOutput.WithLabelValues("entity")))

	m.SetProgress(62.5)
	assert.Equal(t, 62.5, testutil.ToFloat64(m.progress))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New("kgtest")
	m.AddSinkItems("entity", 7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "kgtest_sink_items_total"))
}
