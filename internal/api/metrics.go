package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "npurt_http_requests_total",
			Help: "HTTP requests served, by backend, route and status.",
		},
		[]string{"backend", "method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "npurt_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Synchronous executions include device time.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"backend", "method", "path"},
	)

	httpRequestBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "npurt_http_request_bytes",
			Help:    "Size of execution request bodies in bytes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
		[]string{"backend", "path"},
	)

	httpRequestsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "npurt_http_requests_in_flight",
			Help: "HTTP requests being served.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpRequestBytes, httpRequestsInFlight)
}

// metricsMiddleware labels request metrics with the runner's backend and the
// chi route pattern, which keeps job ids out of the label values.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	backendName := s.runner.Capabilities().Name
	inFlight := httpRequestsInFlight.WithLabelValues(backendName)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inFlight.Inc()
		defer inFlight.Dec()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(backendName, r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(backendName, r.Method, path).Observe(time.Since(start).Seconds())
		if r.Method == http.MethodPost && r.ContentLength > 0 {
			httpRequestBytes.WithLabelValues(backendName, path).Observe(float64(r.ContentLength))
		}
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
