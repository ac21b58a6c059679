/*
Package metrics exposes Prometheus instrumentation for the progression engine.

PURPOSE:
  One Recorder owns a private registry with the engine's domain counters
  and the HTTP request metrics. A nil *Recorder is valid and records
  nothing, so services can run without instrumentation in tests.

SEE ALSO:
  - api/server.go: Mounts Handler at /metrics and wraps routes with Middleware
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "progression"

type Recorder struct {
	registry *prometheus.Registry

	goalsGenerated  *prometheus.CounterVec
	goalsCompleted  prometheus.Counter
	goalsExpired    prometheus.Counter
	badgesUnlocked  *prometheus.CounterVec
	rewardsUnlocked *prometheus.CounterVec
	contextUpdates  prometheus.Counter
	notifyFailures  *prometheus.CounterVec

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		goalsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "goals", Name: "generated_total",
			Help: "Goals created, by game.",
		}, []string{"game"}),
		goalsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "goals", Name: "completed_total",
			Help: "Goals completed by verification.",
		}),
		goalsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "goals", Name: "expired_total",
			Help: "Open goals moved to expired by the sweeper.",
		}),
		badgesUnlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "badges", Name: "unlocked_total",
			Help: "Badge grants, by badge tier.",
		}, []string{"tier"}),
		rewardsUnlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rewards", Name: "unlocked_total",
			Help: "Reward ladder tiers unlocked.",
		}, []string{"tier"}),
		contextUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "context", Name: "metric_updates_total",
			Help: "Metric values folded into patient contexts.",
		}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "failures_total",
			Help: "Notifications the sink failed to deliver.",
		}, []string{"event"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
			Help: "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.goalsGenerated, r.goalsCompleted, r.goalsExpired,
		r.badgesUnlocked, r.rewardsUnlocked, r.contextUpdates, r.notifyFailures,
		r.httpInFlight, r.httpRequests, r.httpDuration,
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// =============================================================================
// DOMAIN COUNTERS
// =============================================================================

func (r *Recorder) GoalsGenerated(game string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.goalsGenerated.WithLabelValues(game).Add(float64(n))
}

func (r *Recorder) GoalCompleted() {
	if r == nil {
		return
	}
	r.goalsCompleted.Inc()
}

func (r *Recorder) GoalsExpired(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.goalsExpired.Add(float64(n))
}

func (r *Recorder) BadgeUnlocked(tier string) {
	if r == nil {
		return
	}
	r.badgesUnlocked.WithLabelValues(tier).Inc()
}

func (r *Recorder) RewardUnlocked(tier string) {
	if r == nil {
		return
	}
	r.rewardsUnlocked.WithLabelValues(tier).Inc()
}

func (r *Recorder) ContextUpdated(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.contextUpdates.Add(float64(n))
}

func (r *Recorder) NotifyFailed(event string) {
	if r == nil {
		return
	}
	r.notifyFailures.WithLabelValues(event).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Middleware records request count and latency by chi route pattern.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		r.httpInFlight.Inc()
		defer r.httpInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		path := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.httpRequests.WithLabelValues(req.Method, path, strconv.Itoa(status)).Inc()
		r.httpDuration.WithLabelValues(req.Method, path).Observe(time.Since(start).Seconds())
	})
}
