package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts outboxctl HTTP requests by route, method, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// OutboxDispatchedTotal counts dispatch attempts by topic and outcome
	// (sent, retry, failed, error).
	OutboxDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dispatched_total",
			Help: "Total number of outbox dispatch attempts by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)
	// OutboxBatchSize records the number of rows fetched per dispatch pass.
	OutboxBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_batch_size",
			Help:    "Number of rows fetched per dispatch pass",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)
	// OutboxStatusGauge reports the current row count per outbox status,
	// refreshed from StatusCounts on each /status poll.
	OutboxStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_rows_by_status",
			Help: "Current number of outbox rows in each status",
		},
		[]string{"status"},
	)

	// ConsumerProcessedTotal counts consumed envelopes by topic and outcome
	// (processed, duplicate, failed).
	ConsumerProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_processed_total",
			Help: "Total number of consumed envelopes by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	// CompensationRunTotal counts compensation attempts by side
	// (producer, consumer) and outcome (compensated, failed).
	CompensationRunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_run_total",
			Help: "Total number of compensation attempts by side and outcome",
		},
		[]string{"side", "outcome"},
	)

	// CircuitBreakerStatus tracks circuit breaker state (0=closed, 1=open, 2=half-open).
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name", "operation"},
	)
)

// InitMetrics registers every metric above with the default Prometheus
// registry. Call once at process startup.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(OutboxDispatchedTotal)
	prometheus.MustRegister(OutboxBatchSize)
	prometheus.MustRegister(OutboxStatusGauge)
	prometheus.MustRegister(ConsumerProcessedTotal)
	prometheus.MustRegister(CompensationRunTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()

		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordDispatch records the outcome of one dispatch attempt.
func RecordDispatch(topic, outcome string) {
	OutboxDispatchedTotal.WithLabelValues(topic, outcome).Inc()
}

// RecordBatchSize records the size of one fetched dispatch batch.
func RecordBatchSize(n int) {
	OutboxBatchSize.Observe(float64(n))
}

// RecordConsumed records the outcome of one consumed envelope.
func RecordConsumed(topic, outcome string) {
	ConsumerProcessedTotal.WithLabelValues(topic, outcome).Inc()
}

// RecordCompensation records the outcome of one compensation attempt.
func RecordCompensation(side, outcome string) {
	CompensationRunTotal.WithLabelValues(side, outcome).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(name, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(name, operation).Set(float64(status))
}
