// Package metrics exposes the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	pacingWaitSeconds          *prometheus.HistogramVec
	antiBotDetectionsTotal     *prometheus.CounterVec
	publishResultsTotal        *prometheus.CounterVec
	scrapedArticlesTotal       *prometheus.CounterVec
	notificationDeliveries     *prometheus.CounterVec
	schedulerRunsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		pacingWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "multipublish_pacing_wait_seconds",
				Help:    "Time spent waiting on per-platform pacing before a browser load.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"platform"},
		)

		antiBotDetectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multipublish_antibot_detections_total",
				Help: "Anti-bot pages detected, labeled by platform and outcome (recovered or blocked).",
			},
			[]string{"platform", "outcome"},
		)

		publishResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multipublish_publish_results_total",
				Help: "Per-platform publish outcomes.",
			},
			[]string{"platform", "outcome"},
		)

		scrapedArticlesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multipublish_scraped_articles_total",
				Help: "Articles scraped, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		notificationDeliveries = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multipublish_notification_deliveries_total",
				Help: "Notification channel deliveries, labeled by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		)

		schedulerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multipublish_scheduler_runs_total",
				Help: "Scheduled task firings, labeled by task kind and outcome.",
			},
			[]string{"task", "outcome"},
		)
	})
}

// SanitizeLabel lowercases a platform or channel name for use as a label.
// Empty names become "unknown".
func SanitizeLabel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "unknown"
	}
	return name
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePacingWait records time spent blocked on a platform limiter.
func ObservePacingWait(platform string, duration time.Duration) {
	Init()
	pacingWaitSeconds.WithLabelValues(SanitizeLabel(platform)).Observe(duration.Seconds())
}

// ObserveAntiBot records an anti-bot detection and whether the retry got past it.
func ObserveAntiBot(platform string, recovered bool) {
	Init()
	result := "blocked"
	if recovered {
		result = "recovered"
	}
	antiBotDetectionsTotal.WithLabelValues(SanitizeLabel(platform), result).Inc()
}

// ObservePublish records a per-platform publish outcome.
func ObservePublish(platform string, ok bool) {
	Init()
	publishResultsTotal.WithLabelValues(SanitizeLabel(platform), outcome(ok)).Inc()
}

// ObserveScrape records a per-article scrape outcome.
func ObserveScrape(platform string, ok bool) {
	Init()
	scrapedArticlesTotal.WithLabelValues(SanitizeLabel(platform), outcome(ok)).Inc()
}

// ObserveNotification records a notification channel delivery.
func ObserveNotification(channel string, ok bool) {
	Init()
	notificationDeliveries.WithLabelValues(SanitizeLabel(channel), outcome(ok)).Inc()
}

// ObserveSchedulerRun records a scheduled task firing.
func ObserveSchedulerRun(task string, ok bool) {
	Init()
	schedulerRunsTotal.WithLabelValues(task, outcome(ok)).Inc()
}
