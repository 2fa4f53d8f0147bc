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

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardeme_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardeme_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
		},
		[]string{"method", "route"},
	)

	intentDecodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardeme_intent_decodes_total",
			Help: "Transcript decodes by result (ok or failure kind)",
		},
		[]string{"result"},
	)

	memoriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardeme_memories_scheduled_total",
			Help: "Memories created with a schedule, by when_type and channel",
		},
		[]string{"when_type", "channel"},
	)

	deliveriesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardeme_deliveries_enqueued_total",
			Help: "Pending deliveries created for due occurrences",
		},
	)

	deliveriesClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardeme_deliveries_claimed_total",
			Help: "Deliveries moved from pending to in_flight",
		},
	)

	claimFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardeme_claim_failures_total",
			Help: "Delivery runs aborted because the claim failed",
		},
	)

	deliveriesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardeme_deliveries_recorded_total",
			Help: "Delivery outcomes by status and channel",
		},
		[]string{"status", "channel"},
	)

	deliveryLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardeme_delivery_lag_seconds",
			Help:    "Time from run_at to recorded outcome",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
		[]string{"channel"},
	)

	pushSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardeme_push_sends_total",
			Help: "Per-device push sends by result",
		},
		[]string{"result"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardeme_delivery_run_duration_seconds",
			Help:    "Wall time of one delivery run",
			Buckets: []float64{.05, .1, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "guardeme_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardeme_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardeme_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardeme_redis_connections_active",
			Help: "Open Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordIntentDecode records a decode result: "ok" or the failure kind.
func RecordIntentDecode(result string) {
	intentDecodes.WithLabelValues(result).Inc()
}

func RecordMemoryScheduled(whenType, channel string) {
	memoriesScheduled.WithLabelValues(whenType, channel).Inc()
}

func RecordEnqueued(n int) {
	deliveriesEnqueued.Add(float64(n))
}

func RecordClaimed(n int) {
	deliveriesClaimed.Add(float64(n))
}

func RecordClaimFailure() {
	claimFailures.Inc()
}

// RecordDeliveryOutcome records a terminal delivery status and how late it was.
func RecordDeliveryOutcome(status, channel string, lag time.Duration) {
	deliveriesRecorded.WithLabelValues(status, channel).Inc()
	if lag >= 0 {
		deliveryLag.WithLabelValues(channel).Observe(lag.Seconds())
	}
}

// RecordPushSends records per-device results of one fan-out.
func RecordPushSends(sent, failed int) {
	pushSends.WithLabelValues("sent").Add(float64(sent))
	pushSends.WithLabelValues("failed").Add(float64(failed))
}

func RecordRunDuration(d time.Duration) {
	runDuration.Observe(d.Seconds())
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets open Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Routes are labeled by chi pattern so path IDs do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routeLabel(r), wrapped.status, time.Since(start))
	})
}

func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
