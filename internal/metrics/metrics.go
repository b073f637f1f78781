// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal             *prometheus.CounterVec
	recoveryActionsTotal     *prometheus.CounterVec
	itemsTotal               *prometheus.CounterVec
	fetchesInFlight          prometheus.Gauge
	poolLeasedSessions       prometheus.Gauge
	sessionReplacementsTotal *prometheus.CounterVec
	quarantineWritesTotal    prometheus.Counter
	sessionWaitSeconds       *prometheus.HistogramVec
	rateLimitDelaySeconds    *prometheus.HistogramVec
	stageRunsTotal           *prometheus.CounterVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Fetch operations, labeled by stage, URL scheme and outcome.",
			},
			[]string{"stage", "scheme", "outcome"},
		)

		recoveryActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_recovery_actions_total",
				Help: "Recovery actions chosen by the failure classifier, labeled by stage and action.",
			},
			[]string{"stage", "action"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Work items finished, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		fetchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_fetches_in_flight",
				Help: "Fetch operations currently holding a permit and a session.",
			},
		)

		poolLeasedSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_pool_leased_sessions",
				Help: "Sessions currently leased or being replaced.",
			},
		)

		sessionReplacementsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_session_replacements_total",
				Help: "Session replacements, labeled by result.",
			},
			[]string{"result"},
		)

		quarantineWritesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_quarantine_writes_total",
				Help: "Targets written to the quarantine store.",
			},
		)

		sessionWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_session_wait_seconds",
				Help:    "Time spent polling the pool for a free session.",
				Buckets: []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120},
			},
			[]string{"stage"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Randomized per-item delay applied after network work.",
				Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 10},
			},
			[]string{"stage"},
		)

		stageRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_stage_runs_total",
				Help: "Stage runs, labeled by stage and final status.",
			},
			[]string{"stage", "status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_requests_total",
				Help: "Ops endpoint requests, labeled by method, route and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_duration_seconds",
				Help:    "Ops endpoint request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// Scheme reduces a target URL to a bounded label: "https", "http" or
// "other". Hosts are not used as labels; every record has its own.
func Scheme(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "other"
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "https"
	case "http":
		return "http"
	default:
		return "other"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts one fetch attempt.
func ObserveFetch(stage, target, outcome string) {
	Init()
	fetchesTotal.WithLabelValues(stage, Scheme(target), outcome).Inc()
}

// ObserveRecovery counts a classifier decision.
func ObserveRecovery(stage, action string) {
	Init()
	recoveryActionsTotal.WithLabelValues(stage, action).Inc()
}

// ObserveItem counts a finished work item.
func ObserveItem(stage, result string) {
	Init()
	itemsTotal.WithLabelValues(stage, result).Inc()
}

// IncFetchesInFlight increments the in-flight gauge.
func IncFetchesInFlight() {
	Init()
	fetchesInFlight.Inc()
}

// DecFetchesInFlight decrements the in-flight gauge.
func DecFetchesInFlight() {
	Init()
	fetchesInFlight.Dec()
}

// SetPoolLeased records the number of unavailable sessions.
func SetPoolLeased(n int) {
	Init()
	poolLeasedSessions.Set(float64(n))
}

// ObserveSessionReplacement counts a pool replacement by result ("ok", "failed").
func ObserveSessionReplacement(result string) {
	Init()
	sessionReplacementsTotal.WithLabelValues(result).Inc()
}

// ObserveQuarantine counts a quarantine write.
func ObserveQuarantine() {
	Init()
	quarantineWritesTotal.Inc()
}

// ObserveSessionWait records how long an item waited for a session.
func ObserveSessionWait(stage string, d time.Duration) {
	Init()
	sessionWaitSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRateLimitDelay records the per-item delay.
func ObserveRateLimitDelay(stage string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveStageRun counts a finished stage run by status.
func ObserveStageRun(stage, status string) {
	Init()
	stageRunsTotal.WithLabelValues(stage, status).Inc()
}

// ObserveHTTPRequest records one ops endpoint request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
