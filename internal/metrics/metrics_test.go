package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DocumentApplied("added", "ok")
		m.IndexState(3, 10, 0)
		m.EmbeddingBatch(true)
		m.Search("hybrid", time.Millisecond)
		m.CacheLookup(true)
		m.ToolCall("getPatientHistory", "ok", time.Millisecond)
		m.AgentSession("answered", 2)
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.DocumentApplied("added", "ok")
	m.DocumentApplied("added", "ok")
	m.ToolCall("checkDrugInteractions", "failed", 10*time.Millisecond)
	m.CacheLookup(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `index_documents_total{op="added",status="ok"} 2`)
	assert.Contains(t, body, `tool_calls_total{status="failed",tool="checkDrugInteractions"} 1`)
	assert.Contains(t, body, "answer_cache_misses_total 1")
}

func TestHandlerServesPrivateRegistry(t *testing.T) {
	m := New()
	m.IndexState(7, 42, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "index_generation 7")
	assert.Contains(t, rec.Body.String(), "index_chunks 42")
}
