// Package metrics holds the Prometheus collectors of the service. Collectors
// are registered with the default registry and exposed by Handler.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	// AuthResolutions counts resolved credentials by outcome
	AuthResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_auth_resolutions_total",
			Help: "Auth resolutions by credential kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Custom query metrics
	QueryExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_query_executions_total",
			Help: "Custom query executions by slug and outcome",
		},
		[]string{"slug", "outcome"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_query_duration_seconds",
			Help:    "Custom query execution time against the database",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"slug"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_cache_hits_total",
			Help: "Cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_cache_misses_total",
			Help: "Cache misses",
		},
		[]string{"cache"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_cache_errors_total",
			Help: "Failed cache reads and writes",
		},
		[]string{"cache"},
	)

	// Event metrics
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_events_appended_total",
			Help: "Queued events appended by table and event type",
		},
		[]string{"table", "event"},
	)

	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_events_dispatched_total",
			Help: "Queued events dispatched by outcome",
		},
		[]string{"outcome"},
	)

	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_push_deliveries_total",
			Help: "Push deliveries by outcome",
		},
		[]string{"outcome"},
	)

	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_realtime_connections",
			Help: "Connected realtime clients",
		},
	)
)

// RecordCacheHit records a cache hit
func RecordCacheHit(cache string) {
	CacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cache string) {
	CacheMisses.WithLabelValues(cache).Inc()
}

// RecordCacheError records a failed cache operation
func RecordCacheError(cache string) {
	CacheErrors.WithLabelValues(cache).Inc()
}

// RecordQuery records a custom query execution
func RecordQuery(slug, outcome string, duration time.Duration) {
	QueryExecutions.WithLabelValues(slug, outcome).Inc()
	if duration > 0 {
		QueryDuration.WithLabelValues(slug).Observe(duration.Seconds())
	}
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Instrument is a mux middleware recording request counts and durations.
// Requests are labelled with the route template, not the raw path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
