package telemetry

import (
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Gather().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric, labels) {
				if c := metric.GetCounter(); c != nil {
					return c.GetValue()
				}
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		got[l.GetName()] = l.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestQuoteTimerRecordsRequest(t *testing.T) {
	m := New()
	timer := m.StartQuote()
	timer.Stop("ml", "ok")
	timer = m.StartQuote()
	timer.Stop("rule_based", "ok")
	timer = m.StartQuote()
	timer.Stop("rule_based", "degraded")

	assert.Equal(t, 1.0, counterValue(t, m, "roamrate_quote_requests_total",
		map[string]string{"method": "ml", "status": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, m, "roamrate_quote_requests_total",
		map[string]string{"method": "rule_based", "status": "degraded"}))
}

func TestAppendCountersAccumulate(t *testing.T) {
	m := New()
	m.RecordAppend(10, 2, 1)
	m.RecordAppend(5, 0, 0)

	assert.Equal(t, 15.0, counterValue(t, m, "roamrate_outcomes_stored_total", nil))
	assert.Equal(t, 2.0, counterValue(t, m, "roamrate_outcomes_invalid_total", nil))
	assert.Equal(t, 1.0, counterValue(t, m, "roamrate_outcomes_duplicates_total", nil))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.RecordClamp("grid_snap")
	m.RecordCompetitorFetch("degraded")
	m.BreakerState.WithLabelValues("competitor_api").Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "roamrate_guardrail_clamps_total")
	assert.Contains(t, body, `roamrate_breaker_state{target="competitor_api"} 2`)
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.RecordClamp("absolute_bounds")
	assert.Equal(t, 1.0, counterValue(t, a, "roamrate_guardrail_clamps_total",
		map[string]string{"rule": "absolute_bounds"}))
	assert.Equal(t, 0.0, counterValue(t, b, "roamrate_guardrail_clamps_total",
		map[string]string{"rule": "absolute_bounds"}))
}
