// Package metrics exposes Prometheus collectors for the crawl engine.
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
	sitesScrapedTotal          *prometheus.CounterVec
	jobsIngestedTotal          *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	queueEntriesTotal          *prometheus.CounterVec
	webhookEventsTotal         *prometheus.CounterVec
	recoveryOutcomesTotal      *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sitesScrapedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sites_scraped_total",
				Help: "Total site scrape attempts, labeled by site type and outcome.",
			},
			[]string{"site_type", "outcome"},
		)

		jobsIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_ingested_total",
				Help: "Total job postings ingested, labeled by site host.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by provider.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		)

		queueEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_queue_entries_total",
				Help: "Total scrape queue entries resolved, labeled by status.",
			},
			[]string{"status"},
		)

		webhookEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_webhook_events_total",
				Help: "Total webhook events processed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		recoveryOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_recovery_outcomes_total",
				Help: "Total recovery workflow completions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests served, labeled by method and code.",
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

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently executing a workflow.",
			},
		)
	})
}

// SanitizeSite reduces a URL to a lowercase hostname label.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSiteScrape increments the site scrape counter.
func ObserveSiteScrape(siteType, outcome string) {
	sitesScrapedTotal.WithLabelValues(siteType, outcome).Inc()
}

// ObserveJobsIngested adds to the ingestion counter.
func ObserveJobsIngested(site string, count int) {
	if count > 0 {
		jobsIngestedTotal.WithLabelValues(SanitizeSite(site)).Add(float64(count))
	}
}

// ObserveFetch records one fetch latency.
func ObserveFetch(provider string, duration time.Duration) {
	fetchDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveQueueEntry increments the queue resolution counter.
func ObserveQueueEntry(status string) {
	queueEntriesTotal.WithLabelValues(status).Inc()
}

// ObserveWebhookEvent increments the webhook counter.
func ObserveWebhookEvent(kind, outcome string) {
	webhookEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRecovery increments the recovery outcome counter.
func ObserveRecovery(outcome string) {
	recoveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the served-request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
