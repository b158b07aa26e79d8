// Package metrics exposes Prometheus collectors for the crawl fleet.
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
	crawlerFetchesTotal        *prometheus.CounterVec
	crawlerFetchBytesTotal     *prometheus.CounterVec
	crawlerFetchDuration       *prometheus.HistogramVec
	crawlerLinksDroppedTotal   prometheus.Counter
	crawlerBarrierWaitSeconds  *prometheus.HistogramVec
	crawlerRoundsTotal         prometheus.Counter
	crawlerRoundLinks          prometheus.Histogram
	crawlerActiveWorkers       prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of page fetches, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		crawlerFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"status"},
		)

		crawlerLinksDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_links_dropped_total",
				Help: "Links discarded because a worker's buffer was full.",
			},
		)

		crawlerBarrierWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_barrier_wait_seconds",
				Help:    "Time workers spend blocked at aggregation barriers, labeled by phase.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"phase"},
		)

		crawlerRoundsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_rounds_total",
				Help: "Total number of completed aggregation rounds.",
			},
		)

		crawlerRoundLinks = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_round_links",
				Help:    "Size of the gathered link table per round.",
				Buckets: prometheus.LinearBuckets(0, 4, 10),
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of worker tasks currently running.",
			},
		)

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
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
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
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch outcome.
func ObserveFetch(site, status string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerFetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	crawlerFetchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveDroppedLinks counts hrefs truncated by the per-worker capacity.
func ObserveDroppedLinks(n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerLinksDroppedTotal.Add(float64(n))
}

// ObserveBarrierWait records how long a worker waited at a barrier.
func ObserveBarrierWait(phase string, d time.Duration) {
	Init()
	crawlerBarrierWaitSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveRound records a completed round and the size of its table.
func ObserveRound(links int) {
	Init()
	crawlerRoundsTotal.Inc()
	crawlerRoundLinks.Observe(float64(links))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}
