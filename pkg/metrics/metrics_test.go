package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.IncProvisionTransition("QUEUED", "PROVISIONING_SYNC_IMAGE")
	m.ObserveProvisionStep("sync", "ok", time.Second)
	m.IncHandlerHealthCheck("AVAILABLE")
	m.IncHostEnrollment("ok")
	m.IncTaskProcessed("provision.start", "ack")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncProvisionTransition("QUEUED", "PROVISIONING_SYNC_IMAGE")
	m.IncProvisionTransition("QUEUED", "PROVISIONING_SYNC_IMAGE")
	m.IncTaskProcessed("provision.start", "")

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			values[mf.GetName()] += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, values["metalhub_provision_transitions_total"])
	assert.Equal(t, 1.0, values["metalhub_tasks_processed_total"])

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "metalhub_provision_transitions_total")
}
