package telemetry

import (
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "extractor"

var (
	taskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "results_total",
		Help:      "Finished tasks by site, winning strategy and status.",
	}, []string{"site", "strategy", "status"})

	textBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_total",
		Help:      "Extracted text bytes by site.",
	}, []string{"site"})

	robotsFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "robots_fallback_total",
		Help:      "robots.txt lookups that failed and were treated as allow-all.",
	})

	jobsByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Async batch job status changes.",
	}, []string{"status"})

	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Workers currently running a batch job.",
	})

	rateLimitWaits = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rate_limit_delays_seconds",
		Help:      "Time callers spent waiting on a full rate-limit bucket.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"bucket"})
)

// SanitizeSite reduces a URL to a lowercased hostname for use as a label.
// Inputs without a scheme are read as http URLs.
func SanitizeSite(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveResult counts one finished task and the text it produced.
func ObserveResult(taskURL, strategy string, success bool, extracted int) {
	site := SanitizeSite(taskURL)
	status := "failed"
	if success {
		status = "success"
	}
	if strategy == "" {
		strategy = "none"
	}
	taskResults.WithLabelValues(site, strategy, status).Inc()
	if extracted > 0 {
		textBytes.WithLabelValues(site).Add(float64(extracted))
	}
}

// ObserveRobotsFallback counts a robots.txt failure treated as allow-all.
func ObserveRobotsFallback() { robotsFallbacks.Inc() }

// RobotsFallbacks exposes the robots fallback counter for tests.
func RobotsFallbacks() prometheus.Counter { return robotsFallbacks }

// ObserveJob counts a job reaching status.
func ObserveJob(status string) { jobsByStatus.WithLabelValues(status).Inc() }

// IncActiveWorkers marks a worker busy.
func IncActiveWorkers() { activeWorkers.Inc() }

// DecActiveWorkers marks a worker idle.
func DecActiveWorkers() { activeWorkers.Dec() }

// ObserveRateLimitDelay records how long a rate-limit bucket held a caller.
func ObserveRateLimitDelay(bucket string, wait time.Duration) {
	rateLimitWaits.WithLabelValues(bucket).Observe(wait.Seconds())
}
