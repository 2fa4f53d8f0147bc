package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDeliveryOutcome(t *testing.T) {
	before := testutil.ToFloat64(deliveriesRecorded.WithLabelValues("failed", "email"))

	RecordDeliveryOutcome("failed", "email", 3*time.Second)
	RecordDeliveryOutcome("failed", "email", -time.Second)

	if got := testutil.ToFloat64(deliveriesRecorded.WithLabelValues("failed", "email")); got != before+2 {
		t.Errorf("failed/email = %v, want %v", got, before+2)
	}
}

func TestRecordClaimedAndEnqueued(t *testing.T) {
	claimed := testutil.ToFloat64(deliveriesClaimed)
	enqueued := testutil.ToFloat64(deliveriesEnqueued)

	RecordClaimed(7)
	RecordEnqueued(3)
	RecordClaimed(0)

	if got := testutil.ToFloat64(deliveriesClaimed); got != claimed+7 {
		t.Errorf("claimed = %v, want %v", got, claimed+7)
	}
	if got := testutil.ToFloat64(deliveriesEnqueued); got != enqueued+3 {
		t.Errorf("enqueued = %v, want %v", got, enqueued+3)
	}
}

func TestRecordPushSends(t *testing.T) {
	sent := testutil.ToFloat64(pushSends.WithLabelValues("sent"))
	failed := testutil.ToFloat64(pushSends.WithLabelValues("failed"))

	RecordPushSends(2, 1)

	if got := testutil.ToFloat64(pushSends.WithLabelValues("sent")); got != sent+2 {
		t.Errorf("sent = %v, want %v", got, sent+2)
	}
	if got := testutil.ToFloat64(pushSends.WithLabelValues("failed")); got != failed+1 {
		t.Errorf("failed = %v, want %v", got, failed+1)
	}
}

func TestSimpleRecorders(t *testing.T) {
	RecordIntentDecode("ok")
	RecordIntentDecode("schema_violation")
	RecordMemoryScheduled("recurrence", "push")
	RecordClaimFailure()
	RecordRunDuration(250 * time.Millisecond)
	RecordIdempotencyHit()
	RecordRateLimitRejection("/api/intent/decode")
	SetDBConnections(4)
	SetRedisConnections(2)
}

func TestHandler(t *testing.T) {
	RecordIntentDecode("ok")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "guardeme_intent_decodes_total") {
		t.Error("metrics output missing guardeme_intent_decodes_total")
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/deliveries/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/deliveries/{id}", "404"))

	req := httptest.NewRequest("GET", "/api/deliveries/6f1c2a50-0000-4000-8000-000000000001", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/deliveries/{id}", "404")); got != before+1 {
		t.Errorf("route counter = %v, want %v", got, before+1)
	}
}

func TestMiddleware_Unmatched(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	rec := httptest.NewRecorder()
	Middleware(inner).ServeHTTP(rec, httptest.NewRequest("POST", "/x", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
