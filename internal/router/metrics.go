package router

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dk_http_requests_total",
			Help: "Total number of dispatched requests",
		},
		[]string{"proto", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dk_http_request_duration_seconds",
			Help:    "Handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"proto", "method", "path"},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dk_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"proto", "method", "path"},
	)
)

// Metrics returns a middleware that records request counts, handler
// duration and response sizes. Paths are bounded by the route table, so
// label cardinality stays fixed.
func Metrics() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request) Response {
			start := time.Now()
			resp := next.Serve(req)

			httpRequestsTotal.WithLabelValues(req.Proto, req.Method, req.Path, strconv.Itoa(resp.Status)).Inc()
			httpRequestDuration.WithLabelValues(req.Proto, req.Method, req.Path).Observe(time.Since(start).Seconds())
			httpResponseSize.WithLabelValues(req.Proto, req.Method, req.Path).Observe(float64(len(resp.Body)))
			return resp
		})
	}
}
