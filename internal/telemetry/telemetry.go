// Package telemetry owns the Prometheus collectors exported on /metrics and
// the OpenTelemetry tracer used around upstream orchestration.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "shelfgate"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	httpRequests     *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	orchestrations   *prometheus.CounterVec
	compensations    *prometheus.CounterVec
	stagedUploads    *prometheus.CounterVec
	authDecisions    *prometheus.CounterVec
}

// NewMetrics registers the collectors on a private registry so several
// instances can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Client-facing requests by route and status code.",
		}, []string{"method", "route", "code"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of upstream API calls by operation and outcome kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		orchestrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_total",
			Help:      "Create/update orchestrations by resource kind and final state.",
		}, []string{"kind", "op", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating deletes of orphaned upstream entities.",
		}, []string{"kind", "result"}),
		stagedUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staged_uploads_total",
			Help:      "Attachment staging attempts by result.",
		}, []string{"result"}),
		authDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Auth gate decisions by policy and result.",
		}, []string{"policy", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.upstreamDuration,
		m.orchestrations,
		m.compensations,
		m.stagedUploads,
		m.authDecisions,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests by matched route, not raw path, to keep label
// cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if m == nil {
				return err
			}
			code := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(code)).Inc()
			return err
		}
	}
}

func (m *Metrics) ObserveUpstream(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(op, result).Observe(d.Seconds())
}

func (m *Metrics) Orchestration(kind, op, outcome string) {
	if m == nil {
		return
	}
	m.orchestrations.WithLabelValues(kind, op, outcome).Inc()
}

func (m *Metrics) Compensation(kind, result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) StagedUpload(result string) {
	if m == nil {
		return
	}
	m.stagedUploads.WithLabelValues(result).Inc()
}

func (m *Metrics) AuthDecision(policy, result string) {
	if m == nil {
		return
	}
	m.authDecisions.WithLabelValues(policy, result).Inc()
}

// Tracer returns the named tracer from the global provider. Spans are
// dropped until SetupTracing or Install replaces the default provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("shelfgate/" + name)
}
