// Package observability holds the process-wide Prometheus collectors used by
// the tile pipeline.
package observability

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Tile cache backend operations by result.",
		},
		[]string{"op", "backend", "result"},
	)

	cacheOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_operation_duration_seconds",
			Help:    "Latency of tile cache backend operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op", "backend"},
	)

	tileResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_results_total",
			Help: "Tile requests by kind and outcome (hit, miss, fallback).",
		},
		[]string{"kind", "outcome"},
	)

	renderDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_duration_seconds",
			Help:    "Render engine call latency by tile kind.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"kind", "result"},
	)

	jobEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Render job lifecycle events by job type.",
		},
		[]string{"type", "event"},
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall time of a single job attempt.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"type", "result"},
	)

	jobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Jobs waiting for a worker by job type.",
		},
		[]string{"type"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		cacheOpTotal, cacheOpDurationSeconds, tileResults, renderDurationSeconds,
		jobEvents, jobDurationSeconds, jobQueueDepth,
	}
}

var defaultOnce sync.Once

// Init registers the collectors with reg. Registering the same registry twice
// is a no-op. With enabled=false or a nil registry the collectors go to the
// default Prometheus registry so observations are still cheap and safe.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		defaultOnce.Do(func() { register(prometheus.DefaultRegisterer) })
		return
	}
	register(reg)
}

func register(reg prometheus.Registerer) {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

// ObserveCacheOp records one backend call. backend is e.g. "redis", "disk".
func ObserveCacheOp(backend, op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpTotal.WithLabelValues(op, backend, result).Inc()
	cacheOpDurationSeconds.WithLabelValues(op, backend).Observe(durationSeconds)
}

// Tile outcomes.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeFallback = "fallback"
)

func IncTile(kind, outcome string) {
	tileResults.WithLabelValues(kind, outcome).Inc()
}

func ObserveRender(kind string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	renderDurationSeconds.WithLabelValues(kind, result).Observe(durationSeconds)
}

// Job lifecycle events.
const (
	JobEnqueued  = "enqueued"
	JobDeduped   = "deduped"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobRetried   = "retried"
)

func IncJob(jobType, event string) {
	jobEvents.WithLabelValues(jobType, event).Inc()
}

func ObserveJobAttempt(jobType string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	jobDurationSeconds.WithLabelValues(jobType, result).Observe(durationSeconds)
}

func SetQueueDepth(jobType string, n int) {
	jobQueueDepth.WithLabelValues(jobType).Set(float64(n))
}
