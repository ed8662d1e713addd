// Package metrics exposes Prometheus collectors for the swarm service.
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

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	swarmQueueDepth            prometheus.Gauge
	swarmBusyWorkers           prometheus.Gauge
	swarmLiveWorkers           prometheus.Gauge
	swarmTargets               *prometheus.GaugeVec
	swarmRunning               prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
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

		swarmQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_queue_depth",
			Help: "Targets waiting in the queue at the last status sample.",
		})

		swarmBusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_busy_workers",
			Help: "Workers with a target in flight at the last status sample.",
		})

		swarmLiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_live_workers",
			Help: "Workers alive in the pool at the last status sample.",
		})

		swarmTargets = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarm_targets",
				Help: "Targets in the current run, labeled by state (total, completed, failed).",
			},
			[]string{"state"},
		)

		swarmRunning = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_running",
			Help: "1 while a swarm run is active, otherwise 0.",
		})

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarm_rate_limit_delays_seconds",
				Help:    "Histogram of per-host pacing wait durations.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSwarm records a status sample.
func ObserveSwarm(running bool, stats swarm.Stats) {
	swarmQueueDepth.Set(float64(stats.QueueDepth))
	swarmBusyWorkers.Set(float64(stats.BusyWorkers))
	swarmLiveWorkers.Set(float64(stats.ActiveWorkers))
	swarmTargets.WithLabelValues("total").Set(float64(stats.TotalTargets))
	swarmTargets.WithLabelValues("completed").Set(float64(stats.CompletedTargets))
	swarmTargets.WithLabelValues("failed").Set(float64(stats.FailedTargets))
	if running {
		swarmRunning.Set(1)
	} else {
		swarmRunning.Set(0)
	}
}

// ObserveRateLimitDelay records the duration of a pacing wait. Its signature
// matches ratelimit.Observer.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(host)).Observe(duration.Seconds())
}
