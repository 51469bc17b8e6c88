package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	body := scrape(t, metrics)
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected runtime collectors, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "soledgic_http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "soledgic_http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestMetricsObservers(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveRateLimit("record-sale", "primary", true)
	metrics.ObserveRateLimit("record-sale", "fallback", false)
	metrics.ObserveInbox("processed")
	metrics.ObserveInbox("processed")
	metrics.ObserveEgress("rejected")

	body := scrape(t, metrics)
	for _, want := range []string{
		`soledgic_rate_limit_decisions_total{endpoint="record-sale",outcome="allowed",source="primary"} 1`,
		`soledgic_rate_limit_decisions_total{endpoint="record-sale",outcome="limited",source="fallback"} 1`,
		`soledgic_inbox_rows_total{outcome="processed"} 2`,
		`soledgic_egress_deliveries_total{outcome="rejected"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveRateLimit("x", "primary", true)
	metrics.ObserveInbox("failed")
	metrics.ObserveEgress("failed")

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
