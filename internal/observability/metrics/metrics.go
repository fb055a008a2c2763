package metrics

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every series.
type Config struct {
	ServiceName string
	Environment string
}

const (
	QuotaResultAllowed  = "allowed"
	QuotaResultWarning  = "warning"
	QuotaResultDenied   = "denied"
	QuotaResultFailOpen = "fail_open"

	CandidateMatched        = "matched"
	CandidateBelowThreshold = "below_threshold"
	CandidateSkipped        = "skipped"
	CandidateScoringFailed  = "scoring_failed"

	TaskResultOK       = "ok"
	TaskResultError    = "error"
	TaskResultCanceled = "canceled"
	TaskResultRejected = "rejected"
)

// Metrics exposes the application's prometheus instruments. All methods are
// safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	quotaDecisions   *prometheus.CounterVec
	usageUnits       *prometheus.CounterVec
	usageCacheErrors *prometheus.CounterVec
	usageSyncMerges  prometheus.Counter
	tasksRunning     *prometheus.GaugeVec
	taskResults      *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	matchingRuns     *prometheus.CounterVec
	candidates       *prometheus.CounterVec
	questionBundles  *prometheus.CounterVec
	rateLimitDenied  *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New(registerer prometheus.Registerer, cfg Config) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "synchire"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	m := &Metrics{
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "synchire_quota_decisions_total",
			Help:        "Quota gate decisions by tier and result.",
			ConstLabels: constLabels,
		}, []string{"tier", "result"}),
		usageUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "synchire_usage_units_total",
			Help:        "Weighted AI call units recorded per endpoint.",
			ConstLabels: constLabels,
		}, []string{"endpoint"}),
		usageCacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "synchire_usage_cache_errors_total",
			Help:        "Usage cache failures that fell back to the ledger.",
			ConstLabels: constLabels,
		}, []string{"op"}),
		usageSyncMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "synchire_usage_sync_merges_total",
			Help:        "Ledger merges performed on the caller's path.",
			ConstLabels: constLabels,
		}),
		tasksRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "synchire_tasks_running",
			Help:        "Background tasks currently running by kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		taskResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "synchire_task_results_total",
			Help:        "Background task outcomes by kind.",
			ConstLabels: constLabels,
		}, []string{"kind", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "synchire_task_duration_seconds",
			Help:        "Background task latency by kind.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		}, []string{"kind"}),
		matchingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "synchire_matching_runs_total",
			Help:        "Matching runs by terminal job status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "synchire_matching_candidates_total",
			Help:        "Candidate evaluations by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		questionBundles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "synchire_question_generation_total",
			Help:        "Question generation results by application status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "synchire_rate_limit_denied_total",
			Help:        "AI requests rejected by the per-organization rate limiter.",
			ConstLabels: constLabels,
		}, []string{"endpoint"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "synchire_http_requests_total",
			Help:        "HTTP requests by route and status.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "synchire_http_request_duration_seconds",
			Help:        "HTTP request latency by route.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
	}

	var err error
	if m.quotaDecisions, err = register(registerer, m.quotaDecisions); err != nil {
		return nil, err
	}
	if m.usageUnits, err = register(registerer, m.usageUnits); err != nil {
		return nil, err
	}
	if m.usageCacheErrors, err = register(registerer, m.usageCacheErrors); err != nil {
		return nil, err
	}
	if m.usageSyncMerges, err = register(registerer, m.usageSyncMerges); err != nil {
		return nil, err
	}
	if m.tasksRunning, err = register(registerer, m.tasksRunning); err != nil {
		return nil, err
	}
	if m.taskResults, err = register(registerer, m.taskResults); err != nil {
		return nil, err
	}
	if m.taskDuration, err = register(registerer, m.taskDuration); err != nil {
		return nil, err
	}
	if m.matchingRuns, err = register(registerer, m.matchingRuns); err != nil {
		return nil, err
	}
	if m.candidates, err = register(registerer, m.candidates); err != nil {
		return nil, err
	}
	if m.questionBundles, err = register(registerer, m.questionBundles); err != nil {
		return nil, err
	}
	if m.rateLimitDenied, err = register(registerer, m.rateLimitDenied); err != nil {
		return nil, err
	}
	if m.httpRequests, err = register(registerer, m.httpRequests); err != nil {
		return nil, err
	}
	if m.httpDuration, err = register(registerer, m.httpDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// register reuses an already registered collector of the same shape.
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) RecordQuotaDecision(tier, result string) {
	if m == nil {
		return
	}
	if tier == "" {
		tier = "unknown"
	}
	m.quotaDecisions.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) AddUsageUnits(endpoint string, units int64) {
	if m == nil || units <= 0 {
		return
	}
	m.usageUnits.WithLabelValues(endpoint).Add(float64(units))
}

func (m *Metrics) IncUsageCacheError(op string) {
	if m == nil {
		return
	}
	m.usageCacheErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncUsageSyncMerge() {
	if m == nil {
		return
	}
	m.usageSyncMerges.Inc()
}

func (m *Metrics) TaskStarted(kind string) {
	if m == nil {
		return
	}
	m.tasksRunning.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskFinished(kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksRunning.WithLabelValues(kind).Dec()
	m.taskResults.WithLabelValues(kind, result).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) TaskRejected(kind string) {
	if m == nil {
		return
	}
	m.taskResults.WithLabelValues(kind, TaskResultRejected).Inc()
}

func (m *Metrics) RecordMatchingRun(status string) {
	if m == nil {
		return
	}
	m.matchingRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCandidate(outcome string) {
	if m == nil {
		return
	}
	m.candidates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordQuestionGeneration(status string) {
	if m == nil {
		return
	}
	m.questionBundles.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRateLimitDenied(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(endpoint).Inc()
}

// GinMiddleware records request counts and latency by matched route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
