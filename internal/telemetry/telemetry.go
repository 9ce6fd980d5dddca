// Package telemetry owns the Prometheus collectors and HTTP instrumentation
// shared by the orchestrator, breaker, limiter, and API.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/jobsweep/internal/breaker"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobsweep_breaker_state",
			Help: "Circuit state per site (0 closed, 1 open, 2 half-open).",
		},
		[]string{"site"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobsweep_breaker_transitions_total",
			Help: "Circuit state transitions, labeled by site and target state.",
		},
		[]string{"site", "from", "to"},
	)

	limiterInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobsweep_limiter_in_use",
			Help: "Concurrency permits currently held.",
		},
	)

	limiterWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobsweep_limiter_waiting",
			Help: "Site tasks queued for a concurrency permit.",
		},
	)

	limiterWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobsweep_limiter_wait_seconds",
			Help:    "Time spent waiting for a concurrency permit.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	politenessDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobsweep_politeness_delay_seconds",
			Help:    "Histogram of per-site pacing waits between page requests.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobsweep_http_requests_total",
			Help: "Total number of API requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobsweep_http_request_duration_seconds",
			Help:    "Histogram of API request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			routePattern = rctx.RoutePattern()
		}
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// BreakerStateChanged matches breaker.Config.OnStateChange.
func BreakerStateChanged(site string, from, to breaker.State) {
	breakerState.WithLabelValues(site).Set(float64(to))
	breakerTransitionsTotal.WithLabelValues(site, from.String(), to.String()).Inc()
}

// SeedBreaker publishes the initial state for a site so the gauge exists
// before the first transition.
func SeedBreaker(site string, state breaker.State) {
	breakerState.WithLabelValues(site).Set(float64(state))
}

// ObservePolitenessDelay records the duration of a pacing wait.
func ObservePolitenessDelay(site string, duration time.Duration) {
	politenessDelaySeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// LimiterObserver reports limiter usage to Prometheus. It satisfies
// limiter.Observer.
type LimiterObserver struct{}

// LimiterUsage implements limiter.Observer.
func (LimiterObserver) LimiterUsage(inUse, waiting int) {
	limiterInUse.Set(float64(inUse))
	limiterWaiting.Set(float64(waiting))
}

// LimiterWait implements limiter.Observer.
func (LimiterObserver) LimiterWait(d time.Duration) {
	limiterWaitSeconds.Observe(d.Seconds())
}
