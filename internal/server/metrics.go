// Package server — metrics.go registers all Prometheus metrics for the HTTP
// server and exposes helpers used by handlers and middleware.
package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the logical endpoint name rather than the raw URL path.
	labelHandler = "handler"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// askRequestsTotal counts completed /api/ask requests, partitioned by
	// outcome: "ok", "timeout", or "error".
	askRequestsTotal *prometheus.CounterVec

	// askDurationSeconds records the wall-clock duration of each /api/ask
	// request across all pipeline stages.
	askDurationSeconds *prometheus.HistogramVec

	// askInFlight is the number of /api/ask requests currently running.
	askInFlight prometheus.Gauge

	// ingestDocumentsTotal counts completed /api/upload requests,
	// partitioned by outcome: "ok", "rejected", or "error".
	ingestDocumentsTotal *prometheus.CounterVec

	// ingestChunksTotal counts chunks stored by successful uploads.
	ingestChunksTotal prometheus.Counter

	// ingestTokensTotal counts estimated embedding tokens consumed by
	// successful uploads.
	ingestTokensTotal prometheus.Counter

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, handler, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics. promauto.With(reg) is used so that each call
// registers into the provided registry rather than the global default —
// this keeps unit tests hermetic.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		askRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "ask",
			Name:      "requests_total",
			Help:      "Total number of /api/ask requests completed, partitioned by outcome.",
		}, []string{"outcome"}),

		askDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docqa",
			Subsystem: "ask",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of /api/ask requests across all pipeline stages.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),

		askInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "docqa",
			Subsystem: "ask",
			Name:      "in_flight",
			Help:      "Number of /api/ask requests currently running.",
		}),

		ingestDocumentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Total number of /api/upload requests completed, partitioned by outcome.",
		}, []string{"outcome"}),

		ingestChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Total number of chunks stored by successful uploads.",
		}),

		ingestTokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "ingest",
			Name:      "tokens_total",
			Help:      "Estimated embedding tokens consumed by successful uploads.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docqa",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}

// metricsMiddleware records request count and latency for every request,
// labelled by the logical handler name rather than the raw path so label
// cardinality stays bounded.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		name := handlerLabel(r.URL.Path)

		start := time.Now()
		next.ServeHTTP(rw, r)

		s.metrics.httpRequestsTotal.
			WithLabelValues(r.Method, name, strconv.Itoa(rw.status)).
			Inc()
		s.metrics.httpDurationSeconds.
			WithLabelValues(r.Method, name).
			Observe(time.Since(start).Seconds())
	})
}

// handlerLabel maps a request path to its logical endpoint name.
func handlerLabel(path string) string {
	switch {
	case path == "/metrics":
		return "metrics"
	case strings.HasPrefix(path, "/api/ask"):
		return "ask"
	case strings.HasPrefix(path, "/api/search"):
		return "search"
	case strings.HasPrefix(path, "/api/upload"):
		return "upload"
	case strings.HasPrefix(path, "/api/chunks"):
		return "chunks"
	case strings.HasPrefix(path, "/api/collection"):
		return "collection"
	case strings.HasPrefix(path, "/api/health"):
		return "health"
	case strings.HasPrefix(path, "/api/ready"):
		return "ready"
	default:
		return "other"
	}
}
