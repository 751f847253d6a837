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

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_recovery_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(ReserveClaims.WithLabelValues("claimed"))
	ReserveClaims.WithLabelValues("claimed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ReserveClaims.WithLabelValues("claimed")))
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	RecoveriesCompleted.WithLabelValues("vm", "success").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recovery_completed_total")
}
