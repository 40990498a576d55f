package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.HistoryAppended("log")
	m.HistoryAppended("log")
	m.HistoryEvicted("log", 3)
	m.CallFinished("endpoint", "ok", 10*time.Millisecond)
	m.PendingCalls(1)
	m.PendingCalls(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.historyAppends.WithLabelValues("log")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.historyEvictions.WithLabelValues("log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.proxyCalls.WithLabelValues("endpoint", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.proxyPending))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.HistoryAppended("log")
		m.CallFinished("endpoint", "ok", time.Second)
		m.ResolverLookup(true)
		m.SetDevicesConnected(2)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.Discovery("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `deviceproxy_schema_discoveries_total{result="ok"} 1`)
}
