package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway. Each instance
// carries its own registry so tests can construct isolated copies.
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// RemoteCalls counts calls against the accounting API by outcome
	RemoteCalls *prometheus.CounterVec
	// RefreshTotal counts token refresh exchanges by trigger and outcome
	RefreshTotal *prometheus.CounterVec
	// CacheOps counts response cache hits, misses and invalidations
	CacheOps *prometheus.CounterVec
	// CredentialsStored tracks the number of tenants with a stored credential
	CredentialsStored prometheus.Gauge
	// CredentialExpiry tracks the credential expiry unix timestamp per tenant
	CredentialExpiry *prometheus.GaugeVec
	// ErrorCounter counts errors by taxonomy type
	ErrorCounter *prometheus.CounterVec
	// HTTPRequestsTotal total HTTP requests on the local surface
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		RemoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total calls against the remote accounting API",
			},
			[]string{"method", "outcome"},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refresh_total",
				Help:      "Total token refresh exchanges",
			},
			[]string{"trigger", "outcome"},
		),
		CacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Total response cache operations",
			},
			[]string{"operation"},
		),
		CredentialsStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credentials_stored",
				Help:      "Number of tenants with a stored credential",
			},
		),
		CredentialExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credential_expiry_timestamp_seconds",
				Help:      "Unix time at which the tenant credential expires",
			},
			[]string{"tenant_id"},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}

	registry.MustRegister(
		m.RequestLatency,
		m.RemoteCalls,
		m.RefreshTotal,
		m.CacheOps,
		m.CredentialsStored,
		m.CredentialExpiry,
		m.ErrorCounter,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Handler returns an HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequestLatency records the latency of a local HTTP request.
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordRemoteCall records an outbound accounting API call.
// Outcome is one of "success", "unauthorized", "http_error", "transport_error".
func (m *Metrics) RecordRemoteCall(method, outcome string) {
	m.RemoteCalls.WithLabelValues(method, outcome).Inc()
}

// RecordRefresh records a token refresh exchange. Trigger is
// "preflight", "background" or "reactive"; outcome is "success",
// "transient" or "fatal".
func (m *Metrics) RecordRefresh(trigger, outcome string) {
	m.RefreshTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordCacheHit records a response cache hit.
func (m *Metrics) RecordCacheHit() { m.CacheOps.WithLabelValues("hit").Inc() }

// RecordCacheMiss records a response cache miss.
func (m *Metrics) RecordCacheMiss() { m.CacheOps.WithLabelValues("miss").Inc() }

// RecordCacheInvalidation records a prefix invalidation.
func (m *Metrics) RecordCacheInvalidation() { m.CacheOps.WithLabelValues("invalidate").Inc() }

// SetCredentialsStored updates the stored-credential gauge.
func (m *Metrics) SetCredentialsStored(count int) {
	m.CredentialsStored.Set(float64(count))
}

// SetCredentialExpiry updates the expiry-timestamp gauge for a tenant.
func (m *Metrics) SetCredentialExpiry(tenantID string, seconds float64) {
	m.CredentialExpiry.WithLabelValues(tenantID).Set(seconds)
}

// RemoveCredentialExpiry drops the gauge for a deleted credential.
func (m *Metrics) RemoveCredentialExpiry(tenantID string) {
	m.CredentialExpiry.DeleteLabelValues(tenantID)
}

// RecordError counts an error by taxonomy type.
func (m *Metrics) RecordError(errorType string) {
	m.ErrorCounter.WithLabelValues(errorType).Inc()
}

// RecordHTTPRequest counts a local HTTP request.
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight gauge.
func (m *Metrics) IncHTTPRequestsInFlight() { m.HTTPRequestsInFlight.Inc() }

// DecHTTPRequestsInFlight decrements the in-flight gauge.
func (m *Metrics) DecHTTPRequestsInFlight() { m.HTTPRequestsInFlight.Dec() }
