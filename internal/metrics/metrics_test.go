package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsOutcomes(t *testing.T) {
	rec := New()
	rec.ObserveDecision("refresh")
	rec.ObserveDecision("refresh")
	rec.ObserveSync("ok", 3, time.Millisecond)
	rec.ObserveUpload("ok", 128)

	if got := testutil.ToFloat64(rec.cacheDecisions.WithLabelValues("refresh")); got != 2 {
		t.Fatalf("expected 2 refresh decisions, got %v", got)
	}
	if got := testutil.ToFloat64(rec.releasesMirrored); got != 3 {
		t.Fatalf("expected 3 mirrored releases, got %v", got)
	}
	if got := testutil.ToFloat64(rec.uploadBytes); got != 128 {
		t.Fatalf("expected 128 upload bytes, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveDecision("refresh")
	rec.ObserveSync("error", 0, time.Second)
	rec.ObserveUpload("unauthorized", 0)
	rec.ObserveRequest(http.MethodGet, "/simple/:name/", http.StatusOK, time.Millisecond)

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("nil recorder should report 503, got %d", w.Code)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	rec := New()
	rec.ObserveRequest(http.MethodGet, "/simple/", http.StatusOK, time.Millisecond)

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if !strings.Contains(w.Body.String(), "anyindex_http_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}
