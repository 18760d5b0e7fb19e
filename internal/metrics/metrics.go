// Package metrics exposes Prometheus instrumentation for jobs and HTTP.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector of the service, registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsRunning   *prometheus.GaugeVec
	queueDepth    prometheus.Gauge

	httpDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		jobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterops_jobs_submitted_total",
			Help: "Number of jobs accepted for execution.",
		}, []string{"kind"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterops_jobs_finished_total",
			Help: "Number of jobs that reached a terminal status.",
		}, []string{"kind", "status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rasterops_job_duration_seconds",
			Help:    "Wall time of job execution.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"kind"}),
		jobsRunning: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rasterops_jobs_running",
			Help: "Jobs currently executing.",
		}, []string{"kind"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "rasterops_job_queue_depth",
			Help: "Jobs waiting for a worker.",
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_response_time_seconds",
			Help: "Duration of HTTP requests.",
		}, []string{"route"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Number of HTTP requests.",
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) JobSubmitted(kind string) {
	m.jobsSubmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobStarted(kind string) {
	m.jobsRunning.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobFinished(kind, status string, d time.Duration) {
	m.jobsRunning.WithLabelValues(kind).Dec()
	m.jobsFinished.WithLabelValues(kind, status).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and durations by chi route pattern, so
// path parameters do not create new series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}
