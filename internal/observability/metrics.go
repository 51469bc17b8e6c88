package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus series for the API and the worker.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimit       *prometheus.CounterVec
	inboxRows       *prometheus.CounterVec
	egress          *prometheus.CounterVec
}

// NewMetrics builds a private registry with the base series.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soledgic_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soledgic_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	rateLimit := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soledgic_rate_limit_decisions_total",
		Help: "Rate limit decisions by endpoint, tier and outcome.",
	}, []string{"endpoint", "source", "outcome"})
	inbox := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soledgic_inbox_rows_total",
		Help: "Processor inbox rows by final outcome of a run.",
	}, []string{"outcome"})
	egress := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soledgic_egress_deliveries_total",
		Help: "Outbound webhook attempts by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(
		requests, duration, rateLimit, inbox, egress,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		rateLimit:       rateLimit,
		inboxRows:       inbox,
		egress:          egress,
	}
}

// Handler returns the /metrics handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveRateLimit implements ratelimit.Observer.
func (m *Metrics) ObserveRateLimit(endpoint, source string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	m.rateLimit.WithLabelValues(endpoint, source, outcome).Inc()
}

// ObserveInbox implements inbox.Observer.
func (m *Metrics) ObserveInbox(outcome string) {
	if m == nil {
		return
	}
	m.inboxRows.WithLabelValues(outcome).Inc()
}

// ObserveEgress implements egress.Observer.
func (m *Metrics) ObserveEgress(outcome string) {
	if m == nil {
		return
	}
	m.egress.WithLabelValues(outcome).Inc()
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
