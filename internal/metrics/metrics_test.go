package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveHTTP("GET", "/", 200, time.Millisecond)
		m.Mutation("settle", "ok")
		m.CacheLookup(true)
		m.ConsistencyCheck("ok")
		m.EventPublished(false)
		m.Export(true)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.Mutation("create_expense", "ok")
	m.Mutation("create_expense", "ok")
	m.Mutation("create_expense", "validation")
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.VersionConflict()

	assert.Equal(t, 2.0, counterValue(t, m, "conti_ledger_mutations_total", map[string]string{"operation": "create_expense", "result": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, m, "conti_ledger_mutations_total", map[string]string{"operation": "create_expense", "result": "validation"}))
	assert.Equal(t, 1.0, counterValue(t, m, "conti_cache_lookups_total", map[string]string{"result": "hit"}))
	assert.Equal(t, 2.0, counterValue(t, m, "conti_cache_lookups_total", map[string]string{"result": "miss"}))
	assert.Equal(t, 1.0, counterValue(t, m, "conti_ledger_version_conflicts_total", nil))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodGet, "GET /api/v1/groups", http.StatusOK, 3*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `conti_http_requests_total{code="200",method="GET",route="GET /api/v1/groups"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			got := map[string]string{}
			for _, lp := range metric.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}
