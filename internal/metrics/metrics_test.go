package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.ObserveEvent("user.login", OutcomeAcked, 10*time.Millisecond)
	m.ObserveEvent("user.login", OutcomeAcked, 0)
	m.ObserveEvent("user.login", OutcomeDuplicate, 0)
	m.ObserveDispatch("STORED_ONLY")
	m.IncPushFailure()
	m.SetActiveSessions(3)
	m.AddBackfill(5)
	m.SetBusConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsProcessed.WithLabelValues("user.login", OutcomeAcked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsProcessed.WithLabelValues("user.login", OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("STORED_ONLY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.backfillItems))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.busConnected))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveEvent("user.login", OutcomeAcked, time.Second)
		m.ObserveDispatch("DELIVERED_LIVE")
		m.IncPushFailure()
		m.SetActiveSessions(1)
		m.AddBackfill(1)
		m.SetBusConnected(false)
	})
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	m := New(reg, "")
	m.ObserveDispatch("DELIVERED_LIVE")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `relay_dispatches_total{env="unknown",service="relay",state="DELIVERED_LIVE"} 1`)
}
