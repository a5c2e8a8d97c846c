package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics exposed on /metrics.
type Metrics struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	validationFailures *prometheus.CounterVec
	distributions      prometheus.Counter
	distributedAmount  prometheus.Counter
	balanceCacheHits   *prometheus.CounterVec
}

// NewMetrics builds a private registry with the HTTP and billing collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adboard_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adboard_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	validation := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adboard_billing_validation_failures_total",
		Help: "Rejected billing inputs by failure kind.",
	}, []string{"kind"})
	distributions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adboard_billing_distributions_total",
		Help: "Committed payment distributions.",
	})
	distributed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adboard_billing_distributed_amount_total",
		Help: "Sum of committed payment distributions.",
	})
	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adboard_billing_balance_cache_total",
		Help: "Customer balance lookups by cache outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, validation, distributions, distributed, cacheHits)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		validationFailures: validation,
		distributions:      distributions,
		distributedAmount:  distributed,
		balanceCacheHits:   cacheHits,
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

// Middleware records request count and latency per chi route pattern.
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

// Registerer exposes the registry for collectors owned by other packages.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ValidationFailed counts a rejected input such as "unbalanced_allocation".
func (m *Metrics) ValidationFailed(kind string) {
	if m == nil || kind == "" {
		return
	}
	m.validationFailures.WithLabelValues(kind).Inc()
}

// DistributionCommitted counts a committed distribution and its amount.
func (m *Metrics) DistributionCommitted(amount float64) {
	if m == nil {
		return
	}
	m.distributions.Inc()
	if amount > 0 {
		m.distributedAmount.Add(amount)
	}
}

// BalanceLookup counts a balance read as "hit" or "miss".
func (m *Metrics) BalanceLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.balanceCacheHits.WithLabelValues(outcome).Inc()
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
