// Package metrics exposes Prometheus collectors for the crawler service.
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
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	bitsTotal                  *prometheus.CounterVec
	crossReferencesTotal       prometheus.Counter
	failedChunksTotal          prometheus.Counter
	fetchRetriesTotal          prometheus.Counter
	headlessRendersTotal       *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	jobsRunning                prometheus.Gauge
	jobsQueued                 prometheus.Gauge
	politenessWaitSeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Page outcomes.
const (
	PageFetched = "fetched"
	PageFailed  = "failed"
	PageSkipped = "skipped"
)

// Bit outcomes.
const (
	BitCreated   = "created"
	BitDuplicate = "duplicate"
	BitRejected  = "rejected"
)

// Init registers the collectors. It is safe to call multiple times; the
// Observe helpers call it themselves.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitcrawler_pages_total",
				Help: "Pages processed, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitcrawler_bytes_total",
				Help: "Raw bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		bitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitcrawler_learning_bits_total",
				Help: "Learning bit candidates, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crossReferencesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bitcrawler_cross_references_total",
				Help: "Cross references persisted.",
			},
		)

		failedChunksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bitcrawler_failed_chunks_total",
				Help: "Chunks dropped because classification failed.",
			},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bitcrawler_fetch_retries_total",
				Help: "Fetch attempts repeated after a retryable failure.",
			},
		)

		headlessRendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitcrawler_headless_renders_total",
				Help: "Headless re-renders of script-heavy pages, labeled by result.",
			},
			[]string{"result"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bitcrawler_jobs_total",
				Help: "Job state transitions, labeled by status.",
			},
			[]string{"status"},
		)

		jobsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bitcrawler_jobs_running",
				Help: "Jobs currently running a crawl session.",
			},
		)

		jobsQueued = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bitcrawler_jobs_queued",
				Help: "Jobs waiting for a free session slot.",
			},
		)

		politenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bitcrawler_politeness_wait_seconds",
				Help:    "Time spent waiting on the per-domain politeness gate.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObservePage counts one page outcome for the URL's site.
func ObservePage(rawURL, status string, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	pagesTotal.WithLabelValues(site, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveBits adds n bit candidates with the given outcome.
func ObserveBits(outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	bitsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveCrossReferences adds n persisted cross references.
func ObserveCrossReferences(n int) {
	if n <= 0 {
		return
	}
	Init()
	crossReferencesTotal.Add(float64(n))
}

// ObserveFailedChunks adds n chunks that failed classification.
func ObserveFailedChunks(n int) {
	if n <= 0 {
		return
	}
	Init()
	failedChunksTotal.Add(float64(n))
}

// ObserveFetchRetry counts one repeated fetch attempt.
func ObserveFetchRetry() {
	Init()
	fetchRetriesTotal.Inc()
}

// ObserveHeadlessRender counts one headless render, labeled ok or error.
func ObserveHeadlessRender(ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	headlessRendersTotal.WithLabelValues(result).Inc()
}

// ObserveJob counts a job transition into status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// SetJobGauges reports the current running and queued job counts.
func SetJobGauges(running, queued int) {
	Init()
	jobsRunning.Set(float64(running))
	jobsQueued.Set(float64(queued))
}

// ObservePolitenessWait records time spent waiting for a domain's slot.
func ObservePolitenessWait(domain string, d time.Duration) {
	Init()
	politenessWaitSeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
