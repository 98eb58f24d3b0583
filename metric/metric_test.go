package metric

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/health"
)

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Name: "test_total", Help: "test",
	}, []string{"k"})

	require.NoError(t, r.RegisterCounterVec("joiner", "test_total", vec))

	err := r.RegisterCounterVec("joiner", "test_total", vec)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Name: "test_total", Help: "test",
	}, []string{"k"})
	err = r.RegisterCounterVec("other", "test_total", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, r.Unregister("joiner", "test_total"))
	assert.False(t, r.Unregister("joiner", "test_total"))
	require.NoError(t, r.RegisterCounterVec("other", "test_total", other))
}

func TestMetrics_Record(t *testing.T) {
	r := NewMetricsRegistry()
	m := r.CoreMetrics()

	m.RecordBatch("nats", "ok", 3, 10*time.Millisecond)
	m.RecordBatch("nats", "ok", 2, 10*time.Millisecond)
	m.RecordNATSStatus(true)
	m.RecordCircuitBreakerState(false)
	m.RecordNATSReconnect()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchesReceived.WithLabelValues("nats", "ok")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RecordsReceived.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NATSCircuitBreaker))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSReconnects))
}

func TestRegistry_Gather(t *testing.T) {
	r := NewMetricsRegistry()
	r.CoreMetrics().RecordBatch("locationjoin", "retry", 4, 25*time.Millisecond)

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	batches := byName["backtrack_ingest_batches_total"]
	require.NotNil(t, batches)
	assert.Equal(t, dto.MetricType_COUNTER, batches.GetType())
	require.Len(t, batches.GetMetric(), 1)

	labels := map[string]string{}
	for _, lp := range batches.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, map[string]string{"source": "locationjoin", "outcome": "retry"}, labels)

	duration := byName["backtrack_ingest_batch_duration_seconds"]
	require.NotNil(t, duration)
	assert.Equal(t, uint64(1), duration.GetMetric()[0].GetHistogram().GetSampleCount())

	assert.Contains(t, byName, "go_goroutines")
}

func TestServer_Handler(t *testing.T) {
	r := NewMetricsRegistry()
	mon := health.NewMonitor()
	mon.UpdateHealthy("joiner", "ok")
	s := NewServer("", "", r, mon)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var st health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.IsHealthy())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.HealthCheckStatus.WithLabelValues("joiner")))

	mon.UpdateUnhealthy("store", "down")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "backtrack_health_status")
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics", NewMetricsRegistry(), nil)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "go_goroutines"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
