package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := New(prometheus.NewRegistry(), Config{ServiceName: "synchire", Environment: "test"})
	require.NoError(t, err)
	return m
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordQuotaDecision("FREE", QuotaResultDenied)
		m.AddUsageUnits("cv/extract", 3)
		m.TaskStarted("matching.run")
		m.TaskFinished("matching.run", TaskResultOK, time.Second)
		m.RecordCandidate(CandidateMatched)
	})
}

func TestTaskGaugeTracksRunning(t *testing.T) {
	m := newTestMetrics(t)

	m.TaskStarted("questions.generate")
	m.TaskStarted("questions.generate")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksRunning.WithLabelValues("questions.generate")))

	m.TaskFinished("questions.generate", TaskResultOK, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksRunning.WithLabelValues("questions.generate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskResults.WithLabelValues("questions.generate", TaskResultOK)))
}

func TestUsageUnitsIgnoresNonPositive(t *testing.T) {
	m := newTestMetrics(t)
	m.AddUsageUnits("questions/generate", 2)
	m.AddUsageUnits("questions/generate", 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.usageUnits.WithLabelValues("questions/generate")))
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first, err := New(registry, Config{})
	require.NoError(t, err)
	second, err := New(registry, Config{})
	require.NoError(t, err)

	first.RecordMatchingRun("COMPLETE")
	assert.Equal(t, 1.0, testutil.ToFloat64(second.matchingRuns.WithLabelValues("COMPLETE")))
}

func TestGinMiddlewareCountsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMetrics(t)

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/health", "200")))
}
